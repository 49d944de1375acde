package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldchain/telemetry-processor/internal/model"
)

func TestDeliverPostsBatchAsJSON(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	alerts := []model.Alert{{SensorMAC: "AA:BB", Priority: model.PriorityCritica}}

	err := c.Deliver(context.Background(), alerts, now)
	require.NoError(t, err)

	// Asserted against the literal wire keys, not the Go struct, so a
	// field-name regression in outboundPayload's tags is caught here.
	require.Contains(t, raw, "total_alertas")
	assert.NotContains(t, raw, "total")
	assert.Equal(t, 1.0, raw["total_alertas"])
	assert.Equal(t, true, raw["is_batched"])
	alertas, ok := raw["alertas"].([]interface{})
	require.True(t, ok)
	require.Len(t, alertas, 1)
	assert.Equal(t, "AA:BB", alertas[0].(map[string]interface{})["sensor_mac"])
}

func TestDeliverReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Deliver(context.Background(), []model.Alert{{SensorMAC: "AA:BB"}}, time.Now())
	assert.Error(t, err)
}
