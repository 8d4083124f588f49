package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jetStreamConfig returns a broker config on a fresh stream at NATS_URL,
// skipping the test when no server answers.
func jetStreamConfig(t *testing.T) JetStreamConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)

	suffix := uuid.NewString()[:8]
	return JetStreamConfig{
		Conn:     conn,
		Stream:   "TEST_JOBS_" + suffix,
		Subject:  "test.jobs." + suffix,
		Consumer: "workers_" + suffix,
		AckWait:  time.Second,
		PollWait: 200 * time.Millisecond,
	}
}

func TestJetStreamConfigDefaults(t *testing.T) {
	cfg := JetStreamConfig{}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.Stream, cfg.Stream)
	assert.Equal(t, d.Subject, cfg.Subject)
	assert.Equal(t, d.Consumer, cfg.Consumer)
	assert.Equal(t, d.AckWait, cfg.AckWait)
	assert.Equal(t, time.Second, cfg.PollWait)
	assert.Equal(t, 1, cfg.Replicas)
}

func TestNewJetStreamBrokerNeedsConn(t *testing.T) {
	_, err := NewJetStreamBroker(context.Background(), JetStreamConfig{})
	assert.Error(t, err)
}

func TestJetStreamBrokerKeepsJobsUntilAcked(t *testing.T) {
	cfg := jetStreamConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewJetStreamBroker(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.js.DeleteStream(context.Background(), cfg.Stream) })

	// Stored with no worker fetching yet.
	require.NoError(t, b.Put(ctx, "job-1", []byte(`{"id":"job-1"}`)))
	require.NoError(t, b.Put(ctx, "job-1", []byte(`{"id":"job-1"}`)))

	d, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"job-1"}`, string(d.Data()))
	assert.Equal(t, 1, d.Attempt())

	// A nak hands the same job out again.
	require.NoError(t, d.Nak(0))
	again, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempt())
	require.NoError(t, again.Ack())

	// The duplicate Put was dropped, so nothing is left.
	short, cancelShort := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancelShort()
	_, err = b.Fetch(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJetStreamBrokerRedeliversUnsettledJobs(t *testing.T) {
	cfg := jetStreamConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewJetStreamBroker(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.js.DeleteStream(context.Background(), cfg.Stream) })

	require.NoError(t, b.Put(ctx, "job-2", []byte(`{"id":"job-2"}`)))
	_, err = b.Fetch(ctx)
	require.NoError(t, err)

	// The worker never settles; the job comes back after AckWait.
	again, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempt())
	require.NoError(t, again.Ack())
}
