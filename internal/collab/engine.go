package collab

import (
	"context"

	"go.uber.org/zap"

	"flowsync/internal/flowchart"
	"flowsync/internal/observability"
	"flowsync/internal/store"
)

type Options struct {
	Autosave AutosaveConfig
	Logger   *zap.Logger
	Metrics  *observability.Collector
	Hooks    []FlushHook
}

// Engine bundles the wired components of the sync core.
type Engine struct {
	Registry    *Registry
	Broadcaster *Broadcaster
	Autosave    *Autosave
	Gateway     *Gateway
}

func New(st store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry()
	cache := NewBroadcaster(st, registry, nil, nil)
	autosave := NewAutosave(st, cache, registry, opts.Autosave, logger.Named("autosave"), opts.Metrics, opts.Hooks...)
	gateway := NewGateway(registry, cache, autosave, logger.Named("gateway"), opts.Metrics)
	cache.fanout = gateway
	cache.scheduler = autosave

	return &Engine{Registry: registry, Broadcaster: cache, Autosave: autosave, Gateway: gateway}
}

// Live returns the in-memory copy of an open document.
func (e *Engine) Live(docID string) (flowchart.Document, bool) {
	doc, _, ok := e.Broadcaster.Snapshot(docID)
	return doc, ok
}

// Save flushes an open document immediately.
func (e *Engine) Save(ctx context.Context, docID string) (int64, error) {
	return e.Autosave.FlushNow(ctx, docID)
}

// Close disconnects every session, then flushes every dirty document and
// stops background work.
func (e *Engine) Close(ctx context.Context) error {
	e.Gateway.CloseAll()
	return e.Autosave.Close(ctx)
}
