package routing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ConflictObserver is told about every discovery conflict.
type ConflictObserver func(Conflict)

// ModelCountObserver receives the routable model count after each refresh.
type ModelCountObserver func(int)

// Router maps model names to registered backend instances.
type Router struct {
	lister     ModelLister
	timeout    time.Duration
	logger     *zap.Logger
	onConflict ConflictObserver
	onCount    ModelCountObserver

	mu         sync.RWMutex
	instances  []Instance
	manual     map[string]ManualEntry
	discovered map[string]Target
	conflicts  []Conflict

	refreshGroup singleflight.Group
	stopCh       chan struct{}
	stopOnce     sync.Once
}

type Option func(*Router)

// WithRefreshTimeout bounds each instance's listing call. Default 10s.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithConflictObserver(fn ConflictObserver) Option {
	return func(r *Router) { r.onConflict = fn }
}

func WithModelCountObserver(fn ModelCountObserver) Option {
	return func(r *Router) { r.onCount = fn }
}

func NewRouter(lister ModelLister, logger *zap.Logger, opts ...Option) *Router {
	r := &Router{
		lister:     lister,
		timeout:    10 * time.Second,
		logger:     logger,
		manual:     make(map[string]ManualEntry),
		discovered: make(map[string]Target),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an instance. Registering a known URL returns its existing id.
func (r *Router) Register(engine EngineType, baseURL string) (string, error) {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range r.instances {
		if inst.BaseURL == normalized {
			return inst.ID, nil
		}
	}

	inst := Instance{ID: InstanceID(normalized), Engine: engine, BaseURL: normalized}
	r.instances = append(r.instances, inst)
	r.logger.Info("Registered backend instance",
		zap.String("id", inst.ID),
		zap.String("engine", string(engine)),
		zap.String("url", normalized))
	return inst.ID, nil
}

// Unregister removes the instance and the discovered models pointing at it.
func (r *Router) Unregister(baseURL string) bool {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, inst := range r.instances {
		if inst.BaseURL == normalized {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	r.instances = append(r.instances[:idx:idx], r.instances[idx+1:]...)

	next := make(map[string]Target, len(r.discovered))
	for model, target := range r.discovered {
		if target.BaseURL != normalized {
			next[model] = target
		}
	}
	r.discovered = next

	r.logger.Info("Unregistered backend instance", zap.String("url", normalized))
	return true
}

// Instances returns the registered instances in registration order.
func (r *Router) Instances() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Instance(nil), r.instances...)
}

// SetManual pins model to engine, and to baseURL when it is not empty.
func (r *Router) SetManual(model string, engine EngineType, baseURL string) error {
	if baseURL != "" {
		normalized, err := NormalizeURL(baseURL)
		if err != nil {
			return err
		}
		baseURL = normalized
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.manual[model] = ManualEntry{Engine: engine, BaseURL: baseURL}
	// A manual entry always wins, drop any discovered shadow right away.
	delete(r.discovered, model)
	return nil
}

// RemoveManual deletes a manual entry. The model can be rediscovered on the
// next refresh.
func (r *Router) RemoveManual(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manual[model]; !ok {
		return false
	}
	delete(r.manual, model)
	return true
}

// Manual returns a copy of the manual table.
func (r *Router) Manual() map[string]ManualEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ManualEntry, len(r.manual))
	for k, v := range r.manual {
		out[k] = v
	}
	return out
}

// Resolve finds the backend for model. Manual entries take precedence over
// discovered ones.
func (r *Router) Resolve(model string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.manual[model]; ok {
		if entry.BaseURL != "" {
			return Target{Engine: entry.Engine, BaseURL: entry.BaseURL}, nil
		}
		for _, inst := range r.instances {
			if inst.Engine == entry.Engine {
				return Target{Engine: inst.Engine, BaseURL: inst.BaseURL}, nil
			}
		}
		return Target{}, &NotFoundError{Model: model, Known: r.listLocked()}
	}

	if target, ok := r.discovered[model]; ok {
		return target, nil
	}
	return Target{}, &NotFoundError{Model: model, Known: r.listLocked()}
}

// ListModels returns the sorted union of manual and discovered model ids.
func (r *Router) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Router) listLocked() []string {
	union := make(map[string]struct{}, len(r.manual)+len(r.discovered))
	for m := range r.manual {
		union[m] = struct{}{}
	}
	for m := range r.discovered {
		union[m] = struct{}{}
	}
	return sortedKeys(union)
}

// Conflicts returns the conflicts found by the most recent refresh.
func (r *Router) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Conflict(nil), r.conflicts...)
}

// Refresh rebuilds the discovered table from every instance's model listing.
// Concurrent callers share one pass. The pass is detached from ctx: a caller
// that goes away must not mark every instance as failed.
func (r *Router) Refresh(ctx context.Context) (RefreshResult, error) {
	v, err, _ := r.refreshGroup.Do("refresh", func() (interface{}, error) {
		return r.refresh(context.WithoutCancel(ctx)), nil
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), nil
}

func (r *Router) refresh(ctx context.Context) RefreshResult {
	r.mu.RLock()
	instances := append([]Instance(nil), r.instances...)
	r.mu.RUnlock()

	listings := make([][]string, len(instances))
	failed := make([]bool, len(instances))

	var g errgroup.Group
	for i, inst := range instances {
		g.Go(func() error {
			listCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			ids, err := r.lister.ListModels(listCtx, inst.BaseURL)
			if err != nil {
				failed[i] = true
				r.logger.Warn("Model discovery failed for instance",
					zap.String("url", inst.BaseURL),
					zap.Error(err))
				return nil
			}
			listings[i] = ids
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	claims := make(map[string][]Instance)
	var failedURLs []string
	for i, inst := range instances {
		if failed[i] {
			failedURLs = append(failedURLs, inst.BaseURL)
			continue
		}
		if !r.registeredLocked(inst.BaseURL) {
			continue
		}
		seen := make(map[string]struct{}, len(listings[i]))
		for _, model := range listings[i] {
			if _, dup := seen[model]; dup {
				continue
			}
			seen[model] = struct{}{}
			if _, pinned := r.manual[model]; pinned {
				continue
			}
			claims[model] = append(claims[model], inst)
		}
	}

	discovered := make(map[string]Target, len(claims))
	var conflicts []Conflict
	for _, model := range sortedKeys(claims) {
		owners := claims[model]
		if len(owners) > 1 {
			urls := make([]string, len(owners))
			for i, o := range owners {
				urls[i] = o.BaseURL
			}
			c := Conflict{Model: model, Instances: urls}
			conflicts = append(conflicts, c)
			r.logger.Warn("Model reported by multiple instances, dropping it from routing",
				zap.String("model", model),
				zap.Strings("instances", urls))
			if r.onConflict != nil {
				r.onConflict(c)
			}
			continue
		}
		discovered[model] = Target{Engine: owners[0].Engine, BaseURL: owners[0].BaseURL}
	}

	r.discovered = discovered
	r.conflicts = conflicts
	if r.onCount != nil {
		r.onCount(len(r.listLocked()))
	}

	r.logger.Debug("Model discovery complete",
		zap.Int("instances", len(instances)),
		zap.Int("models", len(discovered)),
		zap.Int("conflicts", len(conflicts)))

	out := make(map[string]Target, len(discovered))
	for k, v := range discovered {
		out[k] = v
	}
	return RefreshResult{Discovered: out, Conflicts: conflicts, Failed: failedURLs}
}

func (r *Router) registeredLocked(baseURL string) bool {
	for _, inst := range r.instances {
		if inst.BaseURL == baseURL {
			return true
		}
	}
	return false
}

// Start refreshes every interval until ctx is cancelled or Stop is called.
// It blocks.
func (r *Router) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.logger.Info("Starting periodic model discovery", zap.Duration("interval", interval))

	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn("Initial model discovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Model discovery stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("Model discovery stopped")
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Warn("Model discovery failed", zap.Error(err))
			}
		}
	}
}

// Stop ends a running Start loop.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
