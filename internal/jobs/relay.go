package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultRelayBuffer is the capacity of the progress channel
const DefaultRelayBuffer = 1024

// ErrRelayStopped is returned once the relay no longer accepts progress
var ErrRelayStopped = errors.New("progress relay stopped")

// ProgressStore applies progress to running job rows
type ProgressStore interface {
	AddJobUsedBytes(ctx context.Context, id uuid.UUID, n int64) error
	SetJobTotalBytes(ctx context.Context, id uuid.UUID, n int64) error
}

type eventKind int

const (
	eventIncrement eventKind = iota
	eventSetTotal
	eventSetTitle
	eventFlush
)

func (k eventKind) String() string {
	switch k {
	case eventIncrement:
		return "increment"
	case eventSetTotal:
		return "set_total"
	case eventSetTitle:
		return "set_title"
	default:
		return "flush"
	}
}

// event is one progress message tagged with its job
type event struct {
	jobID uuid.UUID
	kind  eventKind
	bytes int64
	title string
	done  chan struct{}
}

// Relay is the single consumer of progress events. Events of one job are
// applied in the order they were sent.
type Relay struct {
	store  ProgressStore
	logger *slog.Logger
	events chan event

	mu       sync.RWMutex
	stopped  bool
	stopChan chan struct{}
	exited   chan struct{}
	wg       sync.WaitGroup
}

// NewRelay creates a relay with the given channel capacity
func NewRelay(store ProgressStore, logger *slog.Logger, buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultRelayBuffer
	}
	return &Relay{
		store:    store,
		logger:   logger,
		events:   make(chan event, buffer),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the consumer goroutine
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("Starting progress relay", slog.Int("buffer", cap(r.events)))

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop stops the consumer. Progress sent afterwards is dropped.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Progress relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.exited)
	defer r.release()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Progress relay stopping - stopChan closed")
			return

		case <-ctx.Done():
			r.logger.Info("Progress relay stopping - context canceled")
			return

		case ev := <-r.events:
			r.apply(ctx, ev)
		}
	}
}

// release unblocks flush barriers still queued when the loop exits
func (r *Relay) release() {
	for {
		select {
		case ev := <-r.events:
			if ev.done != nil {
				close(ev.done)
			}
		default:
			return
		}
	}
}

func (r *Relay) apply(ctx context.Context, ev event) {
	var err error
	switch ev.kind {
	case eventIncrement:
		err = r.store.AddJobUsedBytes(ctx, ev.jobID, ev.bytes)
	case eventSetTotal:
		err = r.store.SetJobTotalBytes(ctx, ev.jobID, ev.bytes)
	case eventSetTitle:
		r.logger.Debug("Job progress title",
			slog.String("job_id", ev.jobID.String()),
			slog.String("title", ev.title),
		)
	case eventFlush:
		close(ev.done)
	}

	if err != nil {
		r.logger.Error("Failed to apply job progress",
			slog.String("job_id", ev.jobID.String()),
			slog.String("event", ev.kind.String()),
			slog.Any("error", err),
		)
	}
}

func (r *Relay) send(ctx context.Context, ev event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return ErrRelayStopped
	}

	select {
	case r.events <- ev:
		return nil
	case <-r.exited:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every event sent for jobID before the call is applied
func (r *Relay) Flush(ctx context.Context, jobID uuid.UUID) error {
	done := make(chan struct{})
	if err := r.send(ctx, event{jobID: jobID, kind: eventFlush, done: done}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-r.exited:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sink returns an engine progress sink bound to jobID
func (r *Relay) Sink(ctx context.Context, jobID uuid.UUID) *Sink {
	return &Sink{ctx: ctx, relay: r, jobID: jobID}
}

// Sink forwards engine progress of one job to the relay
type Sink struct {
	ctx   context.Context
	relay *Relay
	jobID uuid.UUID
}

func (s *Sink) send(ev event) {
	ev.jobID = s.jobID
	if err := s.relay.send(s.ctx, ev); err != nil {
		s.relay.logger.Debug("Dropping job progress",
			slog.String("job_id", s.jobID.String()),
			slog.String("event", ev.kind.String()),
			slog.Any("error", err),
		)
	}
}

// SetTitle implements engine.ProgressSink
func (s *Sink) SetTitle(title string) {
	s.send(event{kind: eventSetTitle, title: title})
}

// SetLength implements engine.ProgressSink
func (s *Sink) SetLength(total uint64) {
	s.send(event{kind: eventSetTotal, bytes: int64(total)})
}

// Increment implements engine.ProgressSink
func (s *Sink) Increment(n uint64) {
	s.send(event{kind: eventIncrement, bytes: int64(n)})
}
