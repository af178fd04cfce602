package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ConnectionOpened(true)
	r.ConnectionOpened(false)
	r.ConnectionClosed("ok")
	r.MessageReceived("update")
	r.MessageReceived("update")
	r.DecodeFailed()
	r.FramesBroadcast("update", 3)
	r.FramesBroadcast("update", 0)
	r.SubscriberEvicted("lagged")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionsOpened.WithLabelValues("read_only")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionsClosed.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.messages.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decodeFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.broadcastFrames.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.evictions.WithLabelValues("lagged")))
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
