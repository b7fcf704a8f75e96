package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapters(t *testing.T) {
	var got []AdapterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AdapterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got = append(got, req)
		switch r.URL.Path {
		case "/v1/load_lora_adapter":
			_, _ = w.Write([]byte("Success: LoRA adapter 'sql' added successfully.\n"))
		case "/v1/unload_lora_adapter":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"adapter not loaded"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(nil)
	defer c.Close()

	out, err := c.LoadAdapter(context.Background(), srv.URL, AdapterRequest{LoRAName: "sql", LoRAPath: "/adapters/sql"})
	require.NoError(t, err)
	assert.Equal(t, "Success: LoRA adapter 'sql' added successfully.", out)

	_, err = c.UnloadAdapter(context.Background(), srv.URL, AdapterRequest{LoRAName: "sql", LoRAPath: "ignored"})
	be, ok := AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, be.StatusCode)

	require.Len(t, got, 2)
	assert.Equal(t, AdapterRequest{LoRAName: "sql", LoRAPath: "/adapters/sql"}, got[0])
	assert.Equal(t, AdapterRequest{LoRAName: "sql"}, got[1])
}

func TestAdapters_Validation(t *testing.T) {
	c := newTestClient(nil)
	defer c.Close()

	_, err := c.LoadAdapter(context.Background(), "http://127.0.0.1:1", AdapterRequest{LoRAName: "x"})
	assert.Error(t, err)
	_, err = c.UnloadAdapter(context.Background(), "http://127.0.0.1:1", AdapterRequest{})
	assert.Error(t, err)
}
