package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	before := testutil.ToFloat64(PacketsTotal.WithLabelValues("send"))
	RecordSend(3, 120)
	assert.Equal(t, before+3, testutil.ToFloat64(PacketsTotal.WithLabelValues("send")))

	RecordRecv(1, 40)
	RecordFilter("sum", time.Millisecond)
	RecordPeer("child", 1)
	RecordStream(1)
	RecordRecovery(false)
	RecordEvent("peer_failure")
	RecordAckWait("aborted")

	assert.Equal(t, 1.0, testutil.ToFloat64(RecoveriesTotal.WithLabelValues("failure")))

	// Collector
	c := NewCollector()
	c.Collect()
	assert.Greater(t, testutil.ToFloat64(MemoryUsage.WithLabelValues("sys")), 0.0)
}

func TestExporter_ServesMetricsAndExtraHandlers(t *testing.T) {
	e := NewExporter("127.0.0.1:0")
	e.Handle("/hello", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hi")
	}))
	RecordStream(1)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "treenet_streams"))

	resp, err = http.Get(srv.URL + "/hello")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hi", string(body))

	require.NoError(t, e.Stop())
}
