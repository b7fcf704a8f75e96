package admission

import (
	"context"
	"sync"
	"time"
)

// Window is the span over which token samples count against the budget.
const Window = 60 * time.Second

// TokenWindow records token samples in a sliding one-minute window.
type TokenWindow interface {
	// Reserve evicts expired samples for key and records tokens if the
	// remaining sum plus tokens stays within limit.
	Reserve(ctx context.Context, key string, tokens, limit int) (bool, error)
}

type sample struct {
	at     time.Time
	tokens int
}

type keyWindow struct {
	mu      sync.Mutex
	samples []sample
}

// MemoryWindow keeps samples in process memory. Per-key state lives for the
// life of the process.
type MemoryWindow struct {
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*keyWindow
}

// NewMemoryWindow returns an in-memory window. A nil clock uses time.Now.
func NewMemoryWindow(now func() time.Time) *MemoryWindow {
	if now == nil {
		now = time.Now
	}
	return &MemoryWindow{now: now, keys: make(map[string]*keyWindow)}
}

func (w *MemoryWindow) Reserve(_ context.Context, key string, tokens, limit int) (bool, error) {
	kw := w.window(key)

	kw.mu.Lock()
	defer kw.mu.Unlock()

	now := w.now()
	evict := 0
	for evict < len(kw.samples) && now.Sub(kw.samples[evict].at) > Window {
		evict++
	}
	kw.samples = kw.samples[evict:]

	used := 0
	for _, s := range kw.samples {
		used += s.tokens
	}
	if used+tokens > limit {
		return false, nil
	}

	kw.samples = append(kw.samples, sample{at: now, tokens: tokens})
	return true, nil
}

func (w *MemoryWindow) window(key string) *keyWindow {
	w.mu.Lock()
	defer w.mu.Unlock()

	kw, ok := w.keys[key]
	if !ok {
		kw = &keyWindow{}
		w.keys[key] = kw
	}
	return kw
}
