package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]interface{}
}

func fakeGateway(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*[]recordedCall, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	calls := []recordedCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c := recordedCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Auth: r.Header.Get("Authorization")}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.Body)
		}
		mu.Lock()
		calls = append(calls, c)
		mu.Unlock()

		if fn, ok := routes[r.Method+" "+r.URL.Path]; ok {
			fn(w)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Not found","type":"invalid_request_error"}}`))
	}))
	t.Cleanup(srv.Close)

	SetAPIConfig(srv.URL+"/", "sk-admin")
	SetOutputJSON(false)
	SetVerbose(false)
	return &calls, &mu
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })

	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return buf.String(), err
}

func TestBackendStart(t *testing.T) {
	calls, mu := fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/backends/vllm/start": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"pid":123,"ready":true,"status":{"engine":"vllm","state":"running","running":true,"pid":123}}`))
		},
	})

	out, err := run(t, NewBackendCommand(), "start", "vllm", "--wait", "--timeout", "90s", "--command", "vllm serve m")
	require.NoError(t, err)
	assert.Contains(t, out, "vllm started (PID 123)")
	assert.Contains(t, out, "vllm is ready")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, "Bearer sk-admin", c.Auth)
	assert.Equal(t, true, c.Body["wait"])
	assert.Equal(t, float64(90), c.Body["timeout"])
	assert.Equal(t, "vllm serve m", c.Body["command"])
}

func TestBackendStartNotReady(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/backends/vllm/start": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"pid":123,"ready":false,"status":{"log_file":"logs/vllm.log"}}`))
		},
	})

	_, err := run(t, NewBackendCommand(), "start", "vllm", "--wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logs/vllm.log")
}

func TestBackendStartFailureShowsHints(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/backends/vllm/start": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"vllm start: process exited","type":"supervisor_error"},"exit_code":1,"hints":["GPU out of memory"],"summary":["torch.OutOfMemoryError"]}`))
		},
	})

	_, err := run(t, NewBackendCommand(), "start", "vllm")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, []string{"GPU out of memory"}, apiErr.Hints)
	assert.Contains(t, err.Error(), "hint: GPU out of memory")
	assert.Contains(t, err.Error(), "torch.OutOfMemoryError")
}

func TestBackendRestart(t *testing.T) {
	calls, mu := fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/backends/sglang/restart": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"pid":7,"status":{}}`))
		},
	})

	out, err := run(t, NewBackendCommand(), "restart", "sglang", "--force", "--command", "python -m sglang.launch_server")
	require.NoError(t, err)
	assert.Contains(t, out, "sglang restarted (PID 7)")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *calls, 1)
	assert.Equal(t, true, (*calls)[0].Body["force"])
	assert.Equal(t, "python -m sglang.launch_server", (*calls)[0].Body["command"])
}

func TestBackendStatus(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"GET /admin/backends/vllm/status": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"engine":"vllm","state":"failed","running":false,"owned":false,"log_file":"logs/vllm.log","last_error":"exit code 1"}`))
		},
	})

	out, err := run(t, NewBackendCommand(), "status", "vllm")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "logs/vllm.log")
	assert.Contains(t, out, "Last error: exit code 1")
}

func TestModelsRefresh(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/models/refresh": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"discovered":{"qwen":{"engine":"vllm","base_url":"http://a:8002"}},"conflicts":[{"model":"dup","instances":["http://a:8002","http://b:8003"]}],"failed":["http://c:8004"]}`))
		},
	})

	out, err := run(t, NewModelsCommand(), "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "qwen")
	assert.Contains(t, out, "Conflict: dup served by http://a:8002, http://b:8003")
	assert.Contains(t, out, "Unreachable: http://c:8004")
}

func TestModelsPinKeepsSlashes(t *testing.T) {
	calls, mu := fakeGateway(t, map[string]func(http.ResponseWriter){
		"PUT /admin/models/org/model": func(w http.ResponseWriter) { _, _ = w.Write([]byte(`{}`)) },
	})

	_, err := run(t, NewModelsCommand(), "pin", "org/model", "vllm", "--url", "http://a:8002")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *calls, 1)
	assert.Equal(t, "http://a:8002", (*calls)[0].Body["url"])
}

func TestLogsClean(t *testing.T) {
	calls, mu := fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/clean-logs": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"status":"success","cleanup_result":{"deleted_files":2,"freed_space_mb":1.5},"current_stats":{"total_files":1,"total_size_mb":0.1}}`))
		},
	})

	out, err := run(t, NewLogsCommand(), "clean", "--days", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 2 files, freed 1.50 MB")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "days=3", (*calls)[0].Query)
}

func TestKeysReloadJSON(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/reload-keys": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"status":"success","keys_count":4}`))
		},
	})
	SetOutputJSON(true)
	t.Cleanup(func() { SetOutputJSON(false) })

	out, err := run(t, NewKeysCommand(), "reload")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","keys_count":4}`, out)
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	fakeGateway(t, map[string]func(http.ResponseWriter){
		"POST /admin/reload-keys": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down\n"))
		},
	})

	_, err := run(t, NewKeysCommand(), "reload")
	require.Error(t, err)
	assert.Equal(t, "gateway returned 502: upstream down", err.Error())
}
