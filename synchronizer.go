package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Synchronizer keeps a SessionStore in step with an IdentityStream and
// reconciles the Profile Record of every principal it sees.
type Synchronizer struct {
	stream     IdentityStream
	store      *SessionStore
	reconciler ProfileReconciler
	logger     Logger
	metrics    *Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	// tails holds the completion channel of the last queued upsert per UID.
	tails    map[string]chan struct{}
	inflight sync.WaitGroup
}

// SynchronizerOption customizes a Synchronizer.
type SynchronizerOption func(*Synchronizer)

// WithSynchronizerLogger overrides the logger.
func WithSynchronizerLogger(logger Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSynchronizerMetrics records notification and upsert counters.
func WithSynchronizerMetrics(m *Metrics) SynchronizerOption {
	return func(s *Synchronizer) {
		s.metrics = m
	}
}

// NewSynchronizer wires stream to store. reconciler may be nil, in which case
// no profile writes happen.
func NewSynchronizer(stream IdentityStream, store *SessionStore, reconciler ProfileReconciler, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		stream:     stream,
		store:      store,
		reconciler: reconciler,
		logger:     defLogger{},
		done:       make(chan struct{}),
		tails:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start subscribes to the identity stream. Calling it again is a no-op.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSynchronizerClosed
	}
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := s.stream.Subscribe(runCtx)
	if err != nil {
		cancel()
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to subscribe to identity stream")
	}

	s.started = true
	s.cancel = cancel
	go s.run(runCtx, ch)
	return nil
}

// Close cancels the subscription. Once it returns the session state is not
// mutated again. In-flight upserts keep running; use Wait to drain them.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if !started {
		close(s.done)
		return nil
	}
	<-s.done
	return nil
}

// Done is closed when the notification loop exits.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every queued upsert has finished.
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

func (s *Synchronizer) run(ctx context.Context, ch <-chan *Principal) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.handle(ctx, p)
		}
	}
}

func (s *Synchronizer) handle(ctx context.Context, p *Principal) {
	s.metrics.notification()
	state := s.store.publish(p)

	if p == nil {
		s.logger.Debug("identity signed out")
		return
	}
	s.logger.Debug("identity changed", "uid", p.UID, "settled", state.Settled)

	if s.reconciler == nil {
		return
	}
	if strings.TrimSpace(p.UID) == "" {
		s.logger.Warn("skipping profile upsert for principal without uid")
		return
	}
	s.enqueue(ctx, p.Clone())
}

// enqueue chains upserts for the same UID so they run in notification order.
func (s *Synchronizer) enqueue(ctx context.Context, p *Principal) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.tails[p.UID]
	done := make(chan struct{})
	s.tails[p.UID] = done
	s.inflight.Add(1)
	s.mu.Unlock()

	upsertCtx := context.WithoutCancel(ctx)

	go func() {
		defer s.inflight.Done()
		defer func() {
			close(done)
			s.mu.Lock()
			if s.tails[p.UID] == done {
				delete(s.tails, p.UID)
			}
			s.mu.Unlock()
		}()

		if prev != nil {
			<-prev
		}

		start := time.Now()
		op, err := s.reconciler.Upsert(upsertCtx, *p)
		s.metrics.upsert(op, err)

		if s.isClosed() {
			return
		}
		if err != nil {
			s.logger.Error("profile upsert failed", "uid", p.UID, "op", string(op), "error", err)
			return
		}
		s.logger.Debug("profile upserted", "uid", p.UID, "op", string(op), "took", time.Since(start))
	}()
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
