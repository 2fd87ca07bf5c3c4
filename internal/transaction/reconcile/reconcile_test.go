package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

func usd(amount string) money.Money {
	return money.MustParse(amount, money.USD)
}

// chargedTx returns a transaction mid-lifecycle: authorized and charged 10,
// refunded 10 with another 10 pending. This shape exercises every balance in
// one fixture.
func chargedTx(t *testing.T) *domain.Transaction {
	t.Helper()
	tx, err := domain.NewTransaction("tx_01", "psp_base", money.USD)
	require.NoError(t, err)
	tx.AuthorizedValue = usd("10")
	tx.ChargedValue = usd("10")
	tx.RefundedValue = usd("10")
	tx.PendingRefundValue = usd("10")
	return tx
}

func report(typ domain.EventType, result domain.EventStatus, psp, amount string) domain.EventReport {
	return domain.EventReport{
		TransactionID: "tx_01",
		PSPReference:  psp,
		Type:          typ,
		Result:        result,
		Amount:        usd(amount),
	}
}

func requestEvent(t *testing.T, typ domain.EventType, psp, amount string) *domain.Event {
	t.Helper()
	e, err := domain.NewEvent("ev_req_"+psp, "tx_01", psp, typ, domain.EventStatusRequest, usd(amount))
	require.NoError(t, err)
	return e
}

func assertBalances(t *testing.T, tx *domain.Transaction, authorized, charged, refunded, voided, pending string) {
	t.Helper()
	assert.True(t, tx.AuthorizedValue.Equal(usd(authorized)), "authorized: got %s, want %s", tx.AuthorizedValue.StringFixed(), authorized)
	assert.True(t, tx.ChargedValue.Equal(usd(charged)), "charged: got %s, want %s", tx.ChargedValue.StringFixed(), charged)
	assert.True(t, tx.RefundedValue.Equal(usd(refunded)), "refunded: got %s, want %s", tx.RefundedValue.StringFixed(), refunded)
	assert.True(t, tx.VoidedValue.Equal(usd(voided)), "voided: got %s, want %s", tx.VoidedValue.StringFixed(), voided)
	assert.True(t, tx.PendingRefundValue.Equal(usd(pending)), "pending: got %s, want %s", tx.PendingRefundValue.StringFixed(), pending)
}

func TestApplyChargeSuccess(t *testing.T) {
	tests := []struct {
		name           string
		amount         string
		wantAuthorized string
		wantCharged    string
	}{
		{"zero amount", "0", "10", "10"},
		{"partial", "5", "5", "15"},
		{"full authorization", "10", "0", "20"},
		{"over-charge drives authorized negative", "15", "-5", "25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := chargedTx(t)

			next, event, outcome, err := Apply(tx, NewEventLog(), report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", tt.amount), "ev_01")
			require.NoError(t, err)
			require.NotNil(t, event)
			assert.False(t, outcome.AlreadyProcessed)

			assertBalances(t, next, tt.wantAuthorized, tt.wantCharged, "10", "0", "10")
			assert.Equal(t, domain.EventStatusSuccess, event.Status)
			assert.Equal(t, domain.EventTypeCharge, event.Type)
		})
	}
}

func TestApplyRefundSuccess(t *testing.T) {
	tests := []struct {
		name         string
		amount       string
		wantCharged  string
		wantRefunded string
		wantPending  string
	}{
		{"zero amount", "0", "10", "10", "10"},
		{"partial", "5", "5", "15", "5"},
		{"full charge", "10.00", "0", "20", "0"},
		{"over-refund drives charged negative", "15.00", "-5", "25", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := chargedTx(t)

			next, _, _, err := Apply(tx, NewEventLog(), report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_refund", tt.amount), "ev_01")
			require.NoError(t, err)

			assertBalances(t, next, "10", tt.wantCharged, tt.wantRefunded, "0", tt.wantPending)
		})
	}
}

func TestApplyRefundSuccessResolvesOpenRequest(t *testing.T) {
	// An open REQUEST for 10 reserves the fixture's whole pending balance.
	// Resolving it releases the request's amount, not the reported amount,
	// and pending is then capped at the remaining charge.
	tests := []struct {
		name        string
		amount      string
		wantPending string
	}{
		{"resolved for zero", "0", "0"},
		{"resolved in full", "10", "0"},
		{"resolved above charge", "15", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := chargedTx(t)
			log := NewEventLog(requestEvent(t, domain.EventTypeRefund, "psp_refund", "10"))

			next, _, _, err := Apply(tx, log, report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_refund", tt.amount), "ev_01")
			require.NoError(t, err)

			assert.True(t, next.PendingRefundValue.Equal(usd(tt.wantPending)),
				"pending: got %s, want %s", next.PendingRefundValue.StringFixed(), tt.wantPending)
		})
	}
}

func TestApplyRefundMatchesRequestByOriginalReference(t *testing.T) {
	tx := chargedTx(t)
	log := NewEventLog(requestEvent(t, domain.EventTypeRefund, "psp_req", "10"))

	rep := report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_provider", "10")
	rep.OriginalPSPReference = "psp_req"

	next, _, _, err := Apply(tx, log, rep, "ev_01")
	require.NoError(t, err)

	// The request's reservation of 10 is released, not the default
	// subtraction keyed on the report's own reference.
	assertBalances(t, next, "10", "0", "20", "0", "0")
}

func TestApplyRequestRetiredOnceAcrossReports(t *testing.T) {
	// Two successive reports cite the same original reference. The first
	// resolves the open request and releases its reservation; the second
	// must fall back to its own amount, not retire the request again.
	tx := chargedTx(t)
	log := NewEventLog(requestEvent(t, domain.EventTypeRefund, "psp_req", "10"))

	first := report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_a", "10")
	first.OriginalPSPReference = "psp_req"

	mid, event, _, err := Apply(tx, log, first, "ev_01")
	require.NoError(t, err)
	require.NoError(t, log.Append(event))
	assertBalances(t, mid, "10", "0", "20", "0", "0")

	second := report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_b", "5")
	second.OriginalPSPReference = "psp_req"

	next, _, _, err := Apply(mid, log, second, "ev_02")
	require.NoError(t, err)
	assertBalances(t, next, "10", "-5", "25", "0", "-5")

	_, open := log.OpenRequest("psp_req", "")
	assert.False(t, open, "a resolved request must not stay open")
}

func TestApplyFailureRetiresRequestOnlyOnce(t *testing.T) {
	tx := chargedTx(t)
	log := NewEventLog(requestEvent(t, domain.EventTypeRefund, "psp_req", "10"))

	first := report(domain.EventTypeRefund, domain.EventStatusFailure, "psp_a", "10")
	first.OriginalPSPReference = "psp_req"

	mid, event, _, err := Apply(tx, log, first, "ev_01")
	require.NoError(t, err)
	require.NoError(t, log.Append(event))
	assertBalances(t, mid, "10", "10", "10", "0", "0")

	second := report(domain.EventTypeRefund, domain.EventStatusFailure, "psp_b", "5")
	second.OriginalPSPReference = "psp_req"

	next, _, _, err := Apply(mid, log, second, "ev_02")
	require.NoError(t, err)

	// No open request remains; a failure leaves balances untouched.
	assertBalances(t, next, "10", "10", "10", "0", "0")
}

func TestApplyCancelReleasesAuthorization(t *testing.T) {
	tests := []struct {
		name       string
		amount     string
		wantVoided string
	}{
		{"zero amount still releases", "0", "0"},
		{"partial void releases everything", "4", "4"},
		{"full void", "10", "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := chargedTx(t)

			next, _, _, err := Apply(tx, NewEventLog(), report(domain.EventTypeCancel, domain.EventStatusSuccess, "psp_cancel", tt.amount), "ev_01")
			require.NoError(t, err)

			assertBalances(t, next, "0", "10", "10", tt.wantVoided, "10")
		})
	}
}

func TestApplyFailureLeavesBalances(t *testing.T) {
	for _, typ := range []domain.EventType{domain.EventTypeCharge, domain.EventTypeRefund, domain.EventTypeCancel} {
		t.Run(string(typ), func(t *testing.T) {
			tx := chargedTx(t)

			next, event, outcome, err := Apply(tx, NewEventLog(), report(typ, domain.EventStatusFailure, "psp_fail", "10"), "ev_01")
			require.NoError(t, err)
			require.NotNil(t, event)
			assert.False(t, outcome.AlreadyProcessed)

			assertBalances(t, next, "10", "10", "10", "0", "10")
			assert.Equal(t, domain.EventStatusFailure, event.Status)
		})
	}
}

func TestApplyFailureRetiresPendingRefundRequest(t *testing.T) {
	tx := chargedTx(t)
	log := NewEventLog(requestEvent(t, domain.EventTypeRefund, "psp_refund", "10"))

	next, _, _, err := Apply(tx, log, report(domain.EventTypeRefund, domain.EventStatusFailure, "psp_refund", "10"), "ev_01")
	require.NoError(t, err)

	// The reservation is released but nothing is refunded.
	assertBalances(t, next, "10", "10", "10", "0", "0")
}

func TestApplyDuplicateReportIsIdempotent(t *testing.T) {
	tx := chargedTx(t)
	rep := report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "5")

	next, event, _, err := Apply(tx, NewEventLog(), rep, "ev_01")
	require.NoError(t, err)
	log := NewEventLog(event)

	replayed, replayEvent, outcome, err := Apply(next, log, rep, "ev_02")
	require.NoError(t, err)
	assert.Nil(t, replayEvent, "a replay must not produce a new event")
	assert.True(t, outcome.AlreadyProcessed)
	assert.True(t, next.BalancesEqual(replayed), "a replay must not move balances")
}

func TestApplyConflictingRereport(t *testing.T) {
	tx := chargedTx(t)
	original := report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "5")

	_, event, _, err := Apply(tx, NewEventLog(), original, "ev_01")
	require.NoError(t, err)
	log := NewEventLog(event)

	tests := []struct {
		name   string
		mutate func(*domain.EventReport)
	}{
		{"different result", func(r *domain.EventReport) { r.Result = domain.EventStatusFailure }},
		{"different type", func(r *domain.EventReport) { r.Type = domain.EventTypeRefund }},
		{"different amount", func(r *domain.EventReport) { r.Amount = usd("6") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := original
			tt.mutate(&rep)

			_, _, _, err := Apply(tx, log, rep, "ev_02")
			require.Error(t, err)

			var reportErr *domain.ReportError
			require.ErrorAs(t, err, &reportErr)
			assert.Equal(t, domain.CodeIncorrectDetails, reportErr.Code)
			assert.Equal(t, "pspReference", reportErr.Field)
		})
	}
}

func TestApplyRejectsNonTerminalResult(t *testing.T) {
	tx := chargedTx(t)

	for _, result := range []domain.EventStatus{domain.EventStatusRequest, "PENDING", ""} {
		_, _, _, err := Apply(tx, NewEventLog(), report(domain.EventTypeCharge, result, "psp_x", "5"), "ev_01")
		require.Error(t, err)

		var reportErr *domain.ReportError
		require.ErrorAs(t, err, &reportErr)
		assert.Equal(t, domain.CodeInvalid, reportErr.Code)
		assert.Equal(t, "result", reportErr.Field)
	}
}

func TestApplyRejectsCurrencyMismatch(t *testing.T) {
	tx := chargedTx(t)
	rep := report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_x", "5")
	rep.Amount = money.MustParse("5", money.EUR)

	_, _, _, err := Apply(tx, NewEventLog(), rep, "ev_01")
	require.Error(t, err)

	var reportErr *domain.ReportError
	require.ErrorAs(t, err, &reportErr)
	assert.Equal(t, domain.CodeIncorrectDetails, reportErr.Code)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	tx := chargedTx(t)
	before := tx.Clone()

	_, _, _, err := Apply(tx, NewEventLog(), report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "5"), "ev_01")
	require.NoError(t, err)

	assert.True(t, before.BalancesEqual(tx), "Apply must return a new state, not mutate the argument")
}

func TestApplyOccurredAtOverridesTimestamp(t *testing.T) {
	tx := chargedTx(t)
	occurred := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)

	rep := report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "5")
	rep.OccurredAt = &occurred

	next, event, _, err := Apply(tx, NewEventLog(), rep, "ev_01")
	require.NoError(t, err)

	assert.Equal(t, occurred, event.CreatedAt)
	assert.Equal(t, occurred, next.ModifiedAt)
}

func TestApplyUpdatesAvailableActions(t *testing.T) {
	tx := chargedTx(t)
	tx.AvailableActions = []domain.Action{domain.ActionCharge, domain.ActionCancel}

	rep := report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "10")
	rep.AvailableActions = []domain.Action{domain.ActionRefund}

	next, _, _, err := Apply(tx, NewEventLog(), rep, "ev_01")
	require.NoError(t, err)

	assert.Equal(t, []domain.Action{domain.ActionRefund}, next.AvailableActions)

	// Absent actions leave the existing list alone.
	next2, _, _, err := Apply(tx, NewEventLog(), report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_other", "1"), "ev_02")
	require.NoError(t, err)
	assert.Equal(t, tx.AvailableActions, next2.AvailableActions)
}

func TestEventLogAppendRejectsSecondResolution(t *testing.T) {
	log := NewEventLog()

	first, err := domain.NewEvent("ev_01", "tx_01", "psp_x", domain.EventTypeCharge, domain.EventStatusSuccess, usd("5"))
	require.NoError(t, err)
	require.NoError(t, log.Append(first))

	second, err := domain.NewEvent("ev_02", "tx_01", "psp_x", domain.EventTypeCharge, domain.EventStatusFailure, usd("5"))
	require.NoError(t, err)
	assert.ErrorIs(t, log.Append(second), ErrAlreadyResolved)
}

func TestReplayMatchesIncrementalApplication(t *testing.T) {
	opening := chargedTx(t)
	log := NewEventLog()
	current := opening.Clone()

	var persisted []*domain.Event

	// A refund request first, then its resolution, then independent charge,
	// refund, failure and cancel reports.
	for _, req := range []*domain.Event{
		requestEvent(t, domain.EventTypeRefund, "psp_req", "10"),
		requestEvent(t, domain.EventTypeRefund, "psp_req2", "3"),
	} {
		persisted = append(persisted, req)
		require.NoError(t, log.Append(req))
		current.PendingRefundValue = current.PendingRefundValue.MustAdd(req.Amount)
	}

	viaOriginal := report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_x", "3")
	viaOriginal.OriginalPSPReference = "psp_req2"

	reports := []domain.EventReport{
		report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_req", "10"),
		report(domain.EventTypeCharge, domain.EventStatusSuccess, "psp_charge", "7"),
		viaOriginal,
		report(domain.EventTypeRefund, domain.EventStatusSuccess, "psp_refund", "3"),
		report(domain.EventTypeCharge, domain.EventStatusFailure, "psp_failed", "99"),
		report(domain.EventTypeCancel, domain.EventStatusSuccess, "psp_cancel", "2"),
	}

	for i, rep := range reports {
		next, event, _, err := Apply(current, log, rep, "ev_"+rep.PSPReference)
		require.NoError(t, err, "report %d", i)
		require.NoError(t, log.Append(event))
		persisted = append(persisted, event)
		current = next
	}

	replayed := Replay(opening, persisted)
	assert.True(t, current.BalancesEqual(replayed),
		"replayed balances diverge: replayed authorized=%s charged=%s refunded=%s voided=%s pending=%s",
		replayed.AuthorizedValue.StringFixed(), replayed.ChargedValue.StringFixed(),
		replayed.RefundedValue.StringFixed(), replayed.VoidedValue.StringFixed(),
		replayed.PendingRefundValue.StringFixed())
}

func TestReplayFromZeroState(t *testing.T) {
	opening, err := domain.NewTransaction("tx_02", "", money.USD)
	require.NoError(t, err)

	charge, err := domain.NewEvent("ev_01", "tx_02", "psp_a", domain.EventTypeCharge, domain.EventStatusSuccess, usd("20"))
	require.NoError(t, err)
	request, err := domain.NewEvent("ev_02", "tx_02", "psp_b", domain.EventTypeRefund, domain.EventStatusRequest, usd("8"))
	require.NoError(t, err)
	refund, err := domain.NewEvent("ev_03", "tx_02", "psp_b", domain.EventTypeRefund, domain.EventStatusSuccess, usd("8"))
	require.NoError(t, err)

	replayed := Replay(opening, []*domain.Event{charge, request, refund})

	assertBalances(t, replayed, "-20", "12", "8", "0", "0")
}
