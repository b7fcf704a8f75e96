package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeKeys(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestKeyStore_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "api_keys.json")

	store, err := NewKeyStore(path, "admin", zap.NewNop())
	require.NoError(t, err)

	assert.FileExists(t, path)
	key, err := store.Verify("Bearer " + defaultKey)
	require.NoError(t, err)
	assert.Equal(t, "default", key.User)
	require.NotNil(t, key.Quota)
	assert.Equal(t, 10000, *key.Quota)
}

func TestKeyStore_Verify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	writeKeys(t, path, `{"keys":[
		{"key":"sk-alice","user":"alice"},
		{"key":"sk-admin","user":"admin","enabled":true},
		{"key":"sk-off","user":"bob","enabled":false}
	]}`)

	store, err := NewKeyStore(path, "admin", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())

	tests := []struct {
		name   string
		header string
		user   string
		err    error
	}{
		{name: "bearer", header: "Bearer sk-alice", user: "alice"},
		{name: "raw key", header: "sk-alice", user: "alice"},
		{name: "missing", header: "", err: ErrMissingKey},
		{name: "bearer only", header: "Bearer ", err: ErrMissingKey},
		{name: "bare scheme", header: "Bearer", err: ErrMissingKey},
		{name: "lowercase scheme", header: "bearer   sk-alice ", user: "alice"},
		{name: "scheme glued to key", header: "Bearersk-alice", err: ErrInvalidKey},
		{name: "unknown", header: "Bearer sk-nope", err: ErrInvalidKey},
		{name: "disabled", header: "Bearer sk-off", err: ErrDisabledKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := store.Verify(tt.header)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, key.User)
		})
	}

	admin, err := store.Verify("sk-admin")
	require.NoError(t, err)
	assert.True(t, store.IsAdmin(admin))
	alice, _ := store.Verify("sk-alice")
	assert.False(t, store.IsAdmin(alice))
}

func TestKeyStore_ReloadKeepsOldKeysOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	writeKeys(t, path, `{"keys":[{"key":"sk-a","user":"a"}]}`)

	store, err := NewKeyStore(path, "admin", zap.NewNop())
	require.NoError(t, err)

	writeKeys(t, path, `{not json`)
	require.Error(t, store.Reload())

	_, err = store.Verify("sk-a")
	assert.NoError(t, err)

	writeKeys(t, path, `{"keys":[{"key":"sk-b","user":"b"}]}`)
	require.NoError(t, store.Reload())
	_, err = store.Verify("sk-a")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = store.Verify("sk-b")
	assert.NoError(t, err)
}

func TestKeyStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api_keys.json")
	writeKeys(t, path, `{"keys":[{"key":"sk-a","user":"a"}]}`)

	store, err := NewKeyStore(path, "admin", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	writeKeys(t, path, `{"keys":[{"key":"sk-a","user":"a"},{"key":"sk-new","user":"n"}]}`)

	assert.Eventually(t, func() bool {
		_, err := store.Verify("sk-new")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "sk-abcde...", MaskKey("sk-abcdefghijkl"))
	assert.Equal(t, "sk-1...", MaskKey("sk-1"))
}
