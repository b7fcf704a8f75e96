package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	ErrMissingKey  = errors.New("missing API key, add the header: Authorization: Bearer sk-xxx")
	ErrInvalidKey  = errors.New("invalid API key")
	ErrDisabledKey = errors.New("API key is disabled")
)

const defaultKey = "sk-default-key-change-me"

// APIKey is one entry of the key file.
type APIKey struct {
	Key     string `json:"key"`
	User    string `json:"user,omitempty"`
	Quota   *int   `json:"quota,omitempty"`
	Enabled bool   `json:"enabled"`
}

type keyFile struct {
	Keys []struct {
		Key     string `json:"key"`
		User    string `json:"user,omitempty"`
		Quota   *int   `json:"quota,omitempty"`
		Enabled *bool  `json:"enabled,omitempty"`
	} `json:"keys"`
}

// KeyStore holds the API keys loaded from a JSON file.
type KeyStore struct {
	path      string
	adminUser string
	logger    *zap.Logger

	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewKeyStore loads path, writing a default key file first if none exists.
func NewKeyStore(path, adminUser string, logger *zap.Logger) (*KeyStore, error) {
	s := &KeyStore{
		path:      path,
		adminUser: adminUser,
		logger:    logger,
		keys:      make(map[string]APIKey),
	}
	if err := s.ensureFile(); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) ensureFile() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat api keys file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create api keys dir: %w", err)
		}
	}
	quota := 10000
	data, _ := json.MarshalIndent(map[string][]APIKey{
		"keys": {{Key: defaultKey, User: "default", Quota: &quota, Enabled: true}},
	}, "", "  ")
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write default api keys file: %w", err)
	}
	s.logger.Warn("Created default API keys file, replace the default key",
		zap.String("path", s.path))
	return nil
}

// Reload re-reads the key file. On error the previous keys stay active.
func (s *KeyStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read api keys file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse api keys file: %w", err)
	}

	keys := make(map[string]APIKey, len(file.Keys))
	for _, k := range file.Keys {
		if k.Key == "" {
			continue
		}
		enabled := true
		if k.Enabled != nil {
			enabled = *k.Enabled
		}
		keys[k.Key] = APIKey{Key: k.Key, User: k.User, Quota: k.Quota, Enabled: enabled}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()

	s.logger.Info("Loaded API keys", zap.String("path", s.path), zap.Int("count", len(keys)))
	return nil
}

// Len reports how many keys are loaded.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Verify resolves an Authorization header value to its key.
func (s *KeyStore) Verify(authorization string) (APIKey, error) {
	raw := stripBearer(strings.TrimSpace(authorization))
	if raw == "" {
		return APIKey{}, ErrMissingKey
	}

	s.mu.RLock()
	key, ok := s.keys[raw]
	s.mu.RUnlock()

	if !ok {
		return APIKey{}, ErrInvalidKey
	}
	if !key.Enabled {
		return APIKey{}, ErrDisabledKey
	}
	return key, nil
}

// stripBearer removes a case-insensitive Bearer scheme. Anything else is
// taken as a raw key.
func stripBearer(h string) string {
	const scheme = "Bearer"
	if len(h) < len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return h
	}
	rest := h[len(scheme):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return h
	}
	return strings.TrimSpace(rest)
}

// IsAdmin reports whether key carries the elevated identity.
func (s *KeyStore) IsAdmin(key APIKey) bool {
	return s.adminUser != "" && key.User == s.adminUser
}

// Watch reloads the key file whenever it changes until ctx is done.
func (s *KeyStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch key file dir: %w", err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("Failed to reload API keys", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("API key watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// MaskKey shortens a key for logs and metric labels.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key + "..."
	}
	return key[:8] + "..."
}
