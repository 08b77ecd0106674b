package deliverer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdmin struct {
	mu    sync.Mutex
	calls []uint64
}

func (r *recordingAdmin) DeliverLocal(_ context.Context, handlerID uint64, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, handlerID)
}

func (r *recordingAdmin) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.calls))
	copy(out, r.calls)
	return out
}

type panickyAdmin struct {
	recordingAdmin
}

func (p *panickyAdmin) DeliverLocal(ctx context.Context, handlerID uint64, topic string, props map[string]string) {
	if handlerID == 2 {
		panic("boom")
	}
	p.recordingAdmin.DeliverLocal(ctx, handlerID, topic, props)
}

func TestDelivererInvokesHandlersInAscendingOrder(t *testing.T) {
	admin := &recordingAdmin{}
	d := New(1, 4, admin, nil, nil)
	defer d.Stop()

	require.NoError(t, d.Submit(context.Background(), Job{
		Topic:      "t",
		HandlerIDs: []uint64{1, 2, 3},
	}, time.Second))

	require.Eventually(t, func() bool {
		return len(admin.snapshot()) == 3
	}, time.Second, time.Millisecond)

	assert.Equal(t, []uint64{1, 2, 3}, admin.snapshot())
}

func TestDelivererRecoversFromHandlerPanic(t *testing.T) {
	admin := &panickyAdmin{}
	d := New(1, 4, admin, nil, nil)
	defer d.Stop()

	require.NoError(t, d.Submit(context.Background(), Job{
		Topic:      "t",
		HandlerIDs: []uint64{1, 2, 3},
	}, time.Second))

	require.Eventually(t, func() bool {
		return len(admin.snapshot()) == 2
	}, time.Second, time.Millisecond)

	// Handler 2 panicked and was skipped; 1 and 3 still ran.
	assert.Equal(t, []uint64{1, 3}, admin.snapshot())
}

func TestDelivererPublishesAckAfterLastHandler(t *testing.T) {
	admin := &recordingAdmin{}

	var ackSeen chan AckRequest = make(chan AckRequest, 1)
	ack := func(_ context.Context, req AckRequest) error {
		ackSeen <- req
		return nil
	}

	d := New(1, 4, admin, ack, nil)
	defer d.Stop()

	require.NoError(t, d.Submit(context.Background(), Job{
		Topic:      "t",
		HandlerIDs: []uint64{1},
		Ack:        &AckRequest{ResponseTopic: "resp", CorrelationData: []byte("cid")},
	}, time.Second))

	select {
	case req := <-ackSeen:
		assert.Equal(t, "resp", req.ResponseTopic)
	case <-time.After(time.Second):
		t.Fatal("ack was never published")
	}
}

func TestDelivererSubmitDropsWhenQueueStaysFull(t *testing.T) {
	// No workers, so the single queue slot stays occupied for the wait.
	d := &Deliverer{
		admin:  &recordingAdmin{},
		logger: slog.Default(),
		jobs:   make(chan Job, 1),
		stop:   make(chan struct{}),
	}
	d.jobs <- Job{Topic: "occupied"}

	err := d.Submit(context.Background(), Job{Topic: "dropped"}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDelivererStopDoesNotBlockForever(t *testing.T) {
	d := New(2, 4, &recordingAdmin{}, nil, nil)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
