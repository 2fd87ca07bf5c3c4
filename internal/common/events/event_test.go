package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEnvelopeRoundTrip(t *testing.T) {
	payload := ReportRecordedData{
		TransactionID: "tx_01",
		EventID:       "ev_01",
		PSPReference:  "psp_charge",
		Type:          "CHARGE",
		Result:        "SUCCESS",
		Amount:        "10.50",
		Currency:      "USD",
	}

	env, err := NewEvent(EventReportRecorded, "transaction", "tx_01", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, EventReportRecorded, env.Type)
	assert.Equal(t, "tx_01", env.AggregateID)
	assert.Equal(t, 1, env.Version)

	env.WithCorrelation("corr_01")
	assert.Equal(t, "corr_01", env.CorrelationID)

	var decoded ReportRecordedData
	require.NoError(t, env.DecodeData(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestEventEnvelopeRejectsUnmarshalableData(t *testing.T) {
	_, err := NewEvent(EventBalancesUpdated, "transaction", "tx_01", make(chan int))
	assert.Error(t, err)
}
