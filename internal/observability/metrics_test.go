package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRegisteredIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}

func TestRecorders(t *testing.T) {
	m := getMetrics()

	before := testutil.ToFloat64(m.app.actionsTotal.WithLabelValues("get_status", "ok"))
	RecordAction("get_status", "ok", 15*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.app.actionsTotal.WithLabelValues("get_status", "ok")))

	SetBotsConnected(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.app.botsConnected))

	SetPendingWaiters("qq/1", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.app.pendingWaiters.WithLabelValues("qq/1")))

	before = testutil.ToFloat64(m.app.eventsDuplicate)
	RecordDuplicateEvent()
	assert.Equal(t, before+1, testutil.ToFloat64(m.app.eventsDuplicate))

	before = testutil.ToFloat64(m.app.framesMalformed.WithLabelValues("ws_server"))
	RecordMalformedFrame("ws_server")
	assert.Equal(t, before+1, testutil.ToFloat64(m.app.framesMalformed.WithLabelValues("ws_server")))

	before = testutil.ToFloat64(m.impl.actionsTotal.WithLabelValues("send_message", "failed"))
	RecordImplAction("send_message", false)
	assert.Equal(t, before+1, testutil.ToFloat64(m.impl.actionsTotal.WithLabelValues("send_message", "failed")))

	RecordQueueEnqueue("qq/1", 4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.lane.queueSize.WithLabelValues("qq/1")))
	RecordQueueCompletion("qq/1", time.Millisecond, true, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.lane.queueSize.WithLabelValues("qq/1")))
}

func TestMetricsHandler(t *testing.T) {
	RecordEvent("message", "private")

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `onebot_events_total{detail_type="private",type="message"}`)
	assert.Contains(t, string(body), "onebot_bots_connected")
}
