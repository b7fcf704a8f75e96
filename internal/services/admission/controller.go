package admission

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Config holds the optional limits. Zero disables a limit.
type Config struct {
	Concurrent      int
	TokensPerMinute int
}

// Controller gates requests by global concurrency, per-key concurrency and a
// per-key token budget. Concurrency state is local to this process.
type Controller struct {
	cfg    Config
	window TokenWindow
	logger *zap.Logger

	global chan struct{}

	mu     sync.Mutex
	perKey map[string]chan struct{}
}

// NewController builds a controller. A nil window selects the in-memory one.
func NewController(cfg Config, window TokenWindow, logger *zap.Logger) *Controller {
	if window == nil {
		window = NewMemoryWindow(nil)
	}
	c := &Controller{
		cfg:    cfg,
		window: window,
		logger: logger,
		perKey: make(map[string]chan struct{}),
	}
	if cfg.Concurrent > 0 {
		c.global = make(chan struct{}, cfg.Concurrent)
	}
	return c
}

// Permit is one held admission slot pair.
type Permit struct {
	c    *Controller
	key  string
	once sync.Once
}

// Release returns the slots. Extra calls are ignored.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.c == nil || p.c.global == nil {
			return
		}
		<-p.c.keySlots(p.key)
		<-p.c.global
	})
}

// TryAcquire takes one global and one per-key slot without blocking.
func (c *Controller) TryAcquire(key string) (*Permit, error) {
	if c.global == nil {
		return &Permit{}, nil
	}

	select {
	case c.global <- struct{}{}:
	default:
		c.logger.Debug("Admission rejected", zap.String("reason", ReasonGlobalConcurrency))
		return nil, &RejectedError{Reason: ReasonGlobalConcurrency, Limit: c.cfg.Concurrent}
	}

	select {
	case c.keySlots(key) <- struct{}{}:
	default:
		<-c.global
		c.logger.Debug("Admission rejected", zap.String("reason", ReasonKeyConcurrency))
		return nil, &RejectedError{Reason: ReasonKeyConcurrency, Limit: c.cfg.Concurrent}
	}

	return &Permit{c: c, key: key}, nil
}

// CheckTokens records estimated tokens for key if they fit in the current
// one-minute window.
func (c *Controller) CheckTokens(ctx context.Context, key string, estimated int) error {
	if c.cfg.TokensPerMinute <= 0 {
		return nil
	}

	ok, err := c.window.Reserve(ctx, key, estimated, c.cfg.TokensPerMinute)
	if err != nil {
		// A broken shared store does not take the gateway down.
		c.logger.Warn("Token window check failed, allowing request", zap.Error(err))
		return nil
	}
	if !ok {
		return &RejectedError{Reason: ReasonTokenBudget, Limit: c.cfg.TokensPerMinute}
	}
	return nil
}

// InFlight reports the slots currently held globally and by key.
func (c *Controller) InFlight(key string) (global, perKey int) {
	if c.global == nil {
		return 0, 0
	}
	return len(c.global), len(c.keySlots(key))
}

func (c *Controller) keySlots(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots, ok := c.perKey[key]
	if !ok {
		slots = make(chan struct{}, c.cfg.Concurrent)
		c.perKey[key] = slots
	}
	return slots
}
