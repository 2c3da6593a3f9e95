package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type progressCall struct {
	id    uuid.UUID
	kind  string
	bytes int64
}

type recordingProgress struct {
	mu    sync.Mutex
	calls []progressCall
	err   error
}

func (p *recordingProgress) AddJobUsedBytes(_ context.Context, id uuid.UUID, n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, progressCall{id: id, kind: "used", bytes: n})
	return p.err
}

func (p *recordingProgress) SetJobTotalBytes(_ context.Context, id uuid.UUID, n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, progressCall{id: id, kind: "total", bytes: n})
	return p.err
}

func (p *recordingProgress) snapshot() []progressCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progressCall(nil), p.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRelay_AppliesInOrderAndFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingProgress{}
	relay := NewRelay(store, discardLogger(), 4)
	relay.Start(context.Background())
	defer relay.Stop()

	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	sinkA := relay.Sink(ctx, a)
	sinkB := relay.Sink(ctx, b)

	sinkA.SetTitle("backing up")
	sinkA.SetLength(300)
	for i := 1; i <= 3; i++ {
		sinkA.Increment(uint64(i * 10))
		sinkB.Increment(1)
	}

	require.NoError(t, relay.Flush(ctx, a))

	var forA []progressCall
	for _, c := range store.snapshot() {
		if c.id == a {
			forA = append(forA, c)
		}
	}
	assert.Equal(t, []progressCall{
		{id: a, kind: "total", bytes: 300},
		{id: a, kind: "used", bytes: 10},
		{id: a, kind: "used", bytes: 20},
		{id: a, kind: "used", bytes: 30},
	}, forA)
}

func TestRelay_StoreErrorsDoNotStopTheLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingProgress{err: errors.New("connection reset")}
	relay := NewRelay(store, discardLogger(), 0)
	relay.Start(context.Background())
	defer relay.Stop()

	ctx := context.Background()
	id := uuid.New()
	relay.Sink(ctx, id).Increment(5)
	relay.Sink(ctx, id).Increment(6)

	require.NoError(t, relay.Flush(ctx, id))
	assert.Len(t, store.snapshot(), 2)
}

func TestRelay_StoppedDropsProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingProgress{}
	relay := NewRelay(store, discardLogger(), 1)
	relay.Start(context.Background())
	relay.Stop()
	relay.Stop()

	ctx := context.Background()
	id := uuid.New()
	relay.Sink(ctx, id).Increment(5)

	assert.ErrorIs(t, relay.Flush(ctx, id), ErrRelayStopped)
	assert.Empty(t, store.snapshot())
}

func TestRelay_ContextCanceledLoopReleasesSenders(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingProgress{}
	relay := NewRelay(store, discardLogger(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	relay.Start(ctx)
	cancel()
	<-relay.exited

	id := uuid.New()
	for i := 0; i < 5; i++ {
		relay.Sink(context.Background(), id).Increment(1)
	}
	assert.ErrorIs(t, relay.Flush(context.Background(), id), ErrRelayStopped)

	relay.Stop()
}
