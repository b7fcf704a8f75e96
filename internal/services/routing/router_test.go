package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLister struct {
	mu     sync.Mutex
	models map[string][]string
	errs   map[string]error
	calls  atomic.Int32
}

func newFakeLister() *fakeLister {
	return &fakeLister{models: map[string][]string{}, errs: map[string]error{}}
}

func (f *fakeLister) set(url string, models ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[url] = models
	delete(f.errs, url)
}

func (f *fakeLister) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeLister) ListModels(_ context.Context, baseURL string) ([]string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[baseURL]; err != nil {
		return nil, err
	}
	return f.models[baseURL], nil
}

const (
	urlX = "http://10.0.0.1:8002"
	urlY = "http://10.0.0.2:8003"
)

func TestRouter_RegisterIsIdempotent(t *testing.T) {
	r := NewRouter(newFakeLister(), zap.NewNop())

	id1, err := r.Register(EngineVLLM, urlX+"/")
	require.NoError(t, err)
	id2, err := r.Register(EngineVLLM, urlX)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, InstanceID(urlX), id1)
	require.Len(t, r.Instances(), 1)
	assert.Equal(t, urlX, r.Instances()[0].BaseURL)

	_, err = r.Register(EngineVLLM, "not a url")
	assert.Error(t, err)
}

func TestRouter_DiscoveryAndResolve(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "llama")
	lister.set(urlY, "qwen")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineSGLang, urlY)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Discovered, 2)
	assert.Empty(t, res.Conflicts)

	target, err := r.Resolve("qwen")
	require.NoError(t, err)
	assert.Equal(t, Target{Engine: EngineSGLang, BaseURL: urlY}, target)

	_, err = r.Resolve("missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{"llama", "qwen"}, nf.Known)
	assert.Equal(t, []string{"llama", "qwen"}, r.ListModels())
}

func TestRouter_ManualNeverOverwritten(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "m")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineSGLang, urlY)

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	target, err := r.Resolve("m")
	require.NoError(t, err)
	assert.Equal(t, urlX, target.BaseURL)

	require.NoError(t, r.SetManual("m", EngineSGLang, urlY))
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	target, err = r.Resolve("m")
	require.NoError(t, err)
	assert.Equal(t, Target{Engine: EngineSGLang, BaseURL: urlY}, target)
}

func TestRouter_ManualWithoutURLUsesEngineInstance(t *testing.T) {
	r := NewRouter(newFakeLister(), zap.NewNop())
	require.NoError(t, r.SetManual("chat", EngineSGLang, ""))

	_, err := r.Resolve("chat")
	assert.True(t, IsNotFound(err), "no sglang instance registered yet")

	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineSGLang, urlY)

	target, err := r.Resolve("chat")
	require.NoError(t, err)
	assert.Equal(t, urlY, target.BaseURL)
	assert.Equal(t, []string{"chat"}, r.ListModels())
}

func TestRouter_ConflictDropsModel(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "m", "only-x")
	lister.set(urlY, "m")

	var observed []Conflict
	r := NewRouter(lister, zap.NewNop(), WithConflictObserver(func(c Conflict) {
		observed = append(observed, c)
	}))
	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineVLLM, urlY)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)

	_, err = r.Resolve("m")
	assert.True(t, IsNotFound(err))
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "m", res.Conflicts[0].Model)
	assert.ElementsMatch(t, []string{urlX, urlY}, res.Conflicts[0].Instances)
	assert.Equal(t, res.Conflicts, r.Conflicts())
	assert.Len(t, observed, 1)

	_, err = r.Resolve("only-x")
	assert.NoError(t, err)
}

func TestRouter_ModelCountObserver(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "a", "b")

	counts := []int{}
	r := NewRouter(lister, zap.NewNop(), WithModelCountObserver(func(n int) {
		counts = append(counts, n)
	}))
	_, _ = r.Register(EngineVLLM, urlX)
	require.NoError(t, r.SetManual("pinned", EngineSGLang, ""))

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	lister.set(urlX, "a")
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2}, counts)
}

func TestRouter_ConflictResolvedByManual(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "m")
	lister.set(urlY, "m")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineSGLang, urlY)
	require.NoError(t, r.SetManual("m", EngineVLLM, urlX))

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	target, err := r.Resolve("m")
	require.NoError(t, err)
	assert.Equal(t, urlX, target.BaseURL)
}

func TestRouter_FailedInstanceModelsDropped(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "llama")
	lister.set(urlY, "qwen")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, _ = r.Register(EngineSGLang, urlY)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	lister.fail(urlY, errors.New("connection refused"))
	res, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{urlY}, res.Failed)
	_, err = r.Resolve("qwen")
	assert.True(t, IsNotFound(err))
	_, err = r.Resolve("llama")
	assert.NoError(t, err)
}

func TestRouter_UnregisterPurgesMappings(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "llama")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, r.Unregister(urlX+"/"))
	assert.False(t, r.Unregister(urlX))
	assert.Empty(t, r.Instances())

	_, err = r.Resolve("llama")
	assert.True(t, IsNotFound(err))
}

func TestRouter_RemoveManual(t *testing.T) {
	r := NewRouter(newFakeLister(), zap.NewNop())
	require.NoError(t, r.SetManual("m", EngineVLLM, urlX))
	assert.Contains(t, r.Manual(), "m")

	assert.True(t, r.RemoveManual("m"))
	assert.False(t, r.RemoveManual("m"))
	assert.Empty(t, r.ListModels())
}

func TestRouter_ResolveDuringRefresh(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "a", "b", "c")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_, _ = r.Refresh(ctx)
		}
	}()

	for i := 0; i < 500; i++ {
		models := r.ListModels()
		assert.Equal(t, []string{"a", "b", "c"}, models)
	}
	cancel()
	wg.Wait()
}

func TestRouter_StartStop(t *testing.T) {
	lister := newFakeLister()
	lister.set(urlX, "llama")

	r := NewRouter(lister, zap.NewNop())
	_, _ = r.Register(EngineVLLM, urlX)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background(), 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return lister.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
	_, err := r.Resolve("llama")
	assert.NoError(t, err)
}

func TestHTTPLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"qwen","object":"model"},{"id":7},{"id":"lora-a"}]}`))
	}))
	defer srv.Close()

	ids, err := HTTPLister{Client: srv.Client()}.ListModels(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []string{"qwen", "lora-a"}, ids)
}

func TestHTTPLister_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := HTTPLister{}.ListModels(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestRouter_RefreshTimeoutSkipsSlowInstance(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"fast-model"}]}`))
	}))
	defer fast.Close()

	r := NewRouter(HTTPLister{}, zap.NewNop(), WithRefreshTimeout(100*time.Millisecond))
	_, _ = r.Register(EngineVLLM, slow.URL)
	_, _ = r.Register(EngineSGLang, fast.URL)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{slow.URL}, res.Failed)
	assert.Contains(t, res.Discovered, "fast-model")
}

func TestRouter_CancelledCallerKeepsRoutes(t *testing.T) {
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"m"}]}`))
	}))
	defer engine.Close()

	r := NewRouter(HTTPLister{}, zap.NewNop())
	_, err := r.Register(EngineVLLM, engine.URL)
	require.NoError(t, err)
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)

	target, err := r.Resolve("m")
	require.NoError(t, err)
	assert.Equal(t, engine.URL, target.BaseURL)
}
