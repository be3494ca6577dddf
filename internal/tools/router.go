package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Router merges tool catalogs from multiple sandboxed or native sources
// into one name->source map, resolving collisions last-writer-wins while
// logging each one, per the loader's map-plus-RWMutex registry shape in
// kernel/threads/registry/loader.go generalized from module slots to
// tool sources.
type Router struct {
	log *zap.SugaredLogger

	sources []Source

	mu      sync.RWMutex
	catalog map[string]ToolInfo   // name -> merged info
	owner   map[string]string     // name -> source id that currently serves it
	bySrc   map[string]Source     // source id -> Source, for routing Invoke

	refreshGroup singleflight.Group
}

func NewRouter(log *zap.SugaredLogger, sources ...Source) *Router {
	return &Router{
		log:     log,
		sources: sources,
		catalog: make(map[string]ToolInfo),
		owner:   make(map[string]string),
		bySrc:   make(map[string]Source),
	}
}

// Initialize performs one listing call per source and merges the results.
// It is idempotent and safe to call again (e.g. on a manual catalog
// refresh); concurrent callers collapse onto a single in-flight refresh
// via singleflight.
func (r *Router) Initialize(ctx context.Context) error {
	_, err, _ := r.refreshGroup.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Router) refresh(ctx context.Context) error {
	newCatalog := make(map[string]ToolInfo)
	newOwner := make(map[string]string)
	newBySrc := make(map[string]Source, len(r.sources))

	for _, src := range r.sources {
		newBySrc[src.ID()] = src

		infos, err := src.List(ctx)
		if err != nil {
			return fmt.Errorf("tools: initialize source %s: %w", src.ID(), err)
		}
		for _, info := range infos {
			if prevOwner, collide := newOwner[info.Name]; collide && r.log != nil {
				r.log.Warnw("tool name collision across sources, last writer wins",
					"tool", info.Name, "previous_source", prevOwner, "new_source", src.ID())
			}
			newCatalog[info.Name] = info
			newOwner[info.Name] = src.ID()
		}
	}

	r.mu.Lock()
	r.catalog = newCatalog
	r.owner = newOwner
	r.bySrc = newBySrc
	r.mu.Unlock()
	return nil
}

// GetAvailableTools returns the union catalog, sorted by name for a
// stable prompt-assembly order.
func (r *Router) GetAvailableTools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.catalog))
	for _, info := range r.catalog {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke resolves name to its owning source and forwards the call. A
// name absent from every source is a structured error response, not a
// Go error, matching the "not found across all sources" contract.
func (r *Router) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (Response, error) {
	r.mu.RLock()
	ownerID, ok := r.owner[name]
	var src Source
	if ok {
		src = r.bySrc[ownerID]
	}
	r.mu.RUnlock()

	if !ok || src == nil {
		return Response{OK: false, Err: fmt.Sprintf("tool %q not found", name)}, nil
	}
	return src.Invoke(ctx, name, argsJSON)
}
