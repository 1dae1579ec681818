package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceLifecycle(t *testing.T) {
	m := New(DefaultConfig())

	m.InstanceStarted("loan")
	m.InstanceStarted("loan")
	m.InstanceFinished("loan", "completed", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.instancesStarted.WithLabelValues("loan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.instancesFinished.WithLabelValues("loan", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeInstances))
}

func TestRoutingAndPartners(t *testing.T) {
	m := New(DefaultConfig())

	m.MessageRouted("loan", RouteQueued)
	m.MessageRouted("loan", RouteMatched)
	m.MessageRouted("loan", RouteMatched)
	m.SetQueuedMessages(3)
	m.PartnerCall("assessor", "check", "faulted", time.Millisecond)
	m.CircuitTransition("assessor", "open")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesRouted.WithLabelValues("loan", RouteMatched)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queuedMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.partnerCalls.WithLabelValues("assessor", "check", "faulted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitChanges.WithLabelValues("assessor", "open")))
}

func TestCheckpointAndRecoveries(t *testing.T) {
	m := New(DefaultConfig())

	m.Checkpoint(time.Millisecond, nil)
	m.Checkpoint(time.Millisecond, errors.New("disk full"))
	m.AddPendingRecoveries(2)
	m.AddPendingRecoveries(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingRecoveries))
}

func TestDisabledAndNil(t *testing.T) {
	for _, m := range []*Metrics{nil, New(Config{})} {
		assert.NotPanics(t, func() {
			m.InstanceStarted("p")
			m.InstanceFinished("p", "completed", time.Second)
			m.Fault("p", "f")
			m.ActivityEvent("invoke", "start")
			m.MessageRouted("p", RouteDropped)
			m.SetQueuedMessages(1)
			m.PartnerCall("pl", "op", "replied", time.Second)
			m.CircuitTransition("x", "open")
			m.Checkpoint(time.Second, nil)
			m.AddPendingRecoveries(1)
		})
		assert.Nil(t, m.Registry())

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.InstanceStarted("loan")
	m.Fault("loan", "{urn:x}boom")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `bpelrt_instances_started_total{process="loan"} 1`)
	assert.Contains(t, string(body), `bpelrt_faults_total{fault="{urn:x}boom",process="loan"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
