// Package worker runs background consumers of the session event bus.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/domain"
	"github.com/spec-kit/isp-console/internal/events"
	"github.com/spec-kit/isp-console/internal/repository"
)

const (
	defaultAuditQueue = 256
	auditWriteTimeout = 5 * time.Second
)

// AuditOptions tunes an AuditWorker.
type AuditOptions struct {
	// Origin, when set, limits recording to events published by this replica
	// so relayed copies are not written twice.
	Origin    string
	QueueSize int
}

// AuditWorker writes every session event to the audit trail off the
// publishing goroutine. A full queue drops the entry with a warning.
type AuditWorker struct {
	repo   repository.SessionAuditRepository
	logger *zap.Logger
	origin string
	queue  chan domain.SessionAuditEntry

	mu      sync.RWMutex
	stopped bool
	dropped atomic.Uint64
	wg      conc.WaitGroup
}

// NewAuditWorker builds a worker; call Start to begin consuming.
func NewAuditWorker(repo repository.SessionAuditRepository, logger *zap.Logger, opts AuditOptions) *AuditWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAuditQueue
	}
	return &AuditWorker{
		repo:   repo,
		logger: logger,
		origin: opts.Origin,
		queue:  make(chan domain.SessionAuditEntry, opts.QueueSize),
	}
}

// Start subscribes to bus and launches the writer. The returned func
// unsubscribes, flushes the queue and waits for the writer.
func (w *AuditWorker) Start(bus events.Dispatcher) func() {
	unsubscribe := bus.Subscribe(events.WildcardKey, w.enqueue)
	w.wg.Go(w.drain)

	return func() {
		unsubscribe()
		w.mu.Lock()
		if !w.stopped {
			w.stopped = true
			close(w.queue)
		}
		w.mu.Unlock()
		w.wg.Wait()
	}
}

// Dropped counts entries lost to a full queue.
func (w *AuditWorker) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *AuditWorker) enqueue(_ context.Context, ev events.SessionEvent) error {
	if w.origin != "" && ev.Origin != w.origin {
		return nil
	}
	entry := domain.SessionAuditEntry{
		EventID:    ev.ID,
		AccountID:  ev.SubjectID,
		SessionID:  ev.SessionID,
		Kind:       string(ev.Kind),
		Origin:     ev.Origin,
		OccurredAt: ev.Timestamp,
	}

	// a publish already in flight can outlive the unsubscribe
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return nil
	}
	select {
	case w.queue <- entry:
	default:
		w.dropped.Add(1)
		w.logger.Warn("session audit queue full, entry dropped",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)))
	}
	return nil
}

func (w *AuditWorker) drain() {
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		if err := w.repo.Create(ctx, &entry); err != nil {
			w.logger.Warn("session audit write failed",
				zap.String("event_id", entry.EventID),
				zap.Error(err))
		}
		cancel()
	}
}
