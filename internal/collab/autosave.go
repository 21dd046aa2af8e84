package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"flowsync/internal/flowchart"
	"flowsync/internal/observability"
	"flowsync/internal/store"
)

const (
	triggerDebounce = "debounce"
	triggerExplicit = "explicit"
	triggerFinal    = "final"
	triggerShutdown = "shutdown"
)

// FlushHook runs after a document version has been written to the store.
// Errors are logged and never fail the flush.
type FlushHook func(ctx context.Context, doc flowchart.Document, trigger string) error

type AutosaveConfig struct {
	Debounce       time.Duration
	FlushTimeout   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c AutosaveConfig) withDefaults() AutosaveConfig {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

type pendingFlush struct {
	timer *time.Timer
}

// Autosave writes cached documents back to the store: debounced after
// edits, immediately on explicit save, and one last time when a room empties.
type Autosave struct {
	store    store.Store
	cache    *Broadcaster
	registry *Registry
	cfg      AutosaveConfig
	hooks    []FlushHook
	logger   *zap.Logger
	metrics  *observability.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingFlush
	closed  bool
	wg      sync.WaitGroup
}

func NewAutosave(st store.Store, cache *Broadcaster, registry *Registry, cfg AutosaveConfig, logger *zap.Logger, metrics *observability.Collector, hooks ...FlushHook) *Autosave {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Autosave{
		store:    st,
		cache:    cache,
		registry: registry,
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[string]*pendingFlush{},
	}
}

// ScheduleFlush arms one debounce timer per document; calls made while it
// is armed coalesce into the same flush.
func (a *Autosave) ScheduleFlush(docID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, armed := a.pending[docID]; armed {
		return
	}
	p := &pendingFlush{}
	p.timer = time.AfterFunc(a.cfg.Debounce, func() { a.fireDebounced(docID, p) })
	a.pending[docID] = p
}

func (a *Autosave) fireDebounced(docID string, p *pendingFlush) {
	a.mu.Lock()
	if a.pending[docID] != p {
		a.mu.Unlock()
		return
	}
	delete(a.pending, docID)
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	if _, err := a.flushWithRetry(a.ctx, docID, triggerDebounce, true); err != nil && !isNotCached(err) {
		a.logger.Warn("debounced flush gave up", zap.String("documentId", docID), zap.Error(err))
	}
}

// FlushNow makes a single immediate attempt and returns the version now in
// the store.
func (a *Autosave) FlushNow(ctx context.Context, docID string) (int64, error) {
	return a.flushOnce(ctx, docID, triggerExplicit)
}

// FinalFlush runs in the background once the last session has left. The
// cached copy is evicted on success; if every retry fails it is discarded
// anyway and the loss is logged.
func (a *Autosave) FinalFlush(docID string) {
	a.mu.Lock()
	a.cancelPendingLocked(docID)
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		_, err := a.flushWithRetry(a.ctx, docID, triggerFinal, false)
		if err == nil || isNotCached(err) {
			if !a.cache.Evict(docID, false) {
				a.logger.Debug("room re-occupied or dirty, keeping cached copy", zap.String("documentId", docID))
			}
			return
		}
		doc, flushed, _ := a.cache.Snapshot(docID)
		if a.cache.Evict(docID, true) {
			a.metrics.LostFlush()
			a.logger.Warn("final flush exhausted retries, discarding unsaved changes",
				zap.String("documentId", docID),
				zap.Int64("lostVersion", doc.Version),
				zap.Int64("lastFlushedVersion", flushed),
				zap.Error(err))
			return
		}
		a.logger.Warn("final flush failed but room is active again, keeping changes",
			zap.String("documentId", docID), zap.Error(err))
	}()
}

// isPending reports whether a debounce timer is armed for docID.
func (a *Autosave) isPending(docID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[docID]
	return ok
}

// Close stops the timers, waits for background flushes and then flushes
// every document that still has unsaved changes.
func (a *Autosave) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for docID := range a.pending {
		a.cancelPendingLocked(docID)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.cancel()
		<-done
	}

	var errs []error
	for _, docID := range a.cache.DocumentIDs() {
		if _, err := a.flushWithRetry(ctx, docID, triggerShutdown, false); err != nil && !isNotCached(err) {
			a.logger.Error("shutdown flush failed", zap.String("documentId", docID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.cancel()
	return errors.Join(errs...)
}

func (a *Autosave) cancelPendingLocked(docID string) {
	if p, ok := a.pending[docID]; ok {
		p.timer.Stop()
		delete(a.pending, docID)
	}
}

// flushWithRetry retries transient store failures with exponential backoff.
// Debounced flushes stop retrying once the room is empty; the final flush
// takes over from there.
func (a *Autosave) flushWithRetry(ctx context.Context, docID, trigger string, whileOccupied bool) (int64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.InitialBackoff
	policy.MaxInterval = a.cfg.MaxBackoff

	return backoff.Retry(ctx, func() (int64, error) {
		version, err := a.flushOnce(ctx, docID, trigger)
		switch {
		case err == nil:
			return version, nil
		case errors.Is(err, flowchart.ErrNotFound):
			return version, backoff.Permanent(err)
		case whileOccupied && a.registry.IsEmpty(docID):
			return version, backoff.Permanent(err)
		}
		return version, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(a.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn("flush failed, retrying",
				zap.String("documentId", docID),
				zap.String("trigger", trigger),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}

// flushOnce writes the cached snapshot if it is newer than the last flushed
// version.
func (a *Autosave) flushOnce(ctx context.Context, docID, trigger string) (int64, error) {
	doc, flushed, ok := a.cache.Snapshot(docID)
	if !ok {
		return 0, errNotCached
	}
	if doc.Version <= flushed {
		a.metrics.Flush(trigger, "skipped", 0)
		return flushed, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
	start := time.Now()
	err := a.store.Update(writeCtx, doc)
	cancel()
	if err != nil {
		a.metrics.Flush(trigger, "error", time.Since(start))
		return flushed, err
	}
	a.cache.MarkFlushed(docID, doc.Version)
	a.metrics.Flush(trigger, "ok", time.Since(start))
	a.logger.Debug("flushed document",
		zap.String("documentId", docID),
		zap.String("trigger", trigger),
		zap.Int64("version", doc.Version))

	a.runHooks(ctx, doc, trigger)
	return doc.Version, nil
}

func (a *Autosave) runHooks(ctx context.Context, doc flowchart.Document, trigger string) {
	for _, hook := range a.hooks {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.FlushTimeout)
		if err := hook(hookCtx, doc, trigger); err != nil {
			a.logger.Warn("post-flush hook failed", zap.String("documentId", doc.ID), zap.Error(err))
		}
		cancel()
	}
}
