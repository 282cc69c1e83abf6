package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAgent_Record(t *testing.T) {
	m := NewAgent()
	m.RecordFile("delivered", 10, true)
	m.RecordFile("delivered", 5, true)
	m.RecordFile("rejected", 7, false)
	m.RecordReconnect()
	m.RecordSendFailure()
	m.RecordSendFailure()
	m.RecordRotation()
	m.RecordHeartbeat(time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.filesSent.WithLabelValues("delivered")); got != 2 {
		t.Errorf("delivered = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.filesSent.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytesSent); got != 15 {
		t.Errorf("bytes = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.reconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sendFailures); got != 2 {
		t.Errorf("send failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rotations); got != 1 {
		t.Errorf("rotations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lastHeartbeat); got != 1700000000 {
		t.Errorf("heartbeat = %v, want 1700000000", got)
	}
}

func TestNilReceivers(t *testing.T) {
	var a *Agent
	a.RecordFile("delivered", 1, true)
	a.RecordReconnect()
	a.RecordSendFailure()
	a.RecordRotation()
	a.RecordHeartbeat(time.Now())

	var c *Collector
	c.RecordReceived("tcp", 1)
	c.RecordFailureAck()
	c.ConnectionOpened()
	c.ConnectionClosed()
}

func TestCollector_Handler(t *testing.T) {
	m := NewCollector()
	m.ConnectionOpened()
	m.RecordReceived("tcp", 100)
	m.RecordFailureAck()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`gridsend_collector_files_received_total{transport="tcp"} 1`,
		"gridsend_collector_payload_bytes_received_total 100",
		"gridsend_collector_failure_acks_total 1",
		"gridsend_collector_connections_active 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
