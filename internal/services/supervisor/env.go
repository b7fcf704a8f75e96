package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/amerfu/infergate/internal/config"
)

// buildEnv layers the engine environment over the gateway's own:
// env file, then extra_env, then engine-specific variables.
func buildEnv(p Profile, cfg config.EngineConfig) ([]string, error) {
	overlay := map[string]string{}

	if f := cfg.PythonLauncher.EnvFile; f != "" {
		vars, err := godotenv.Read(f)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vars {
			overlay[k] = v
		}
	}

	for _, kv := range cfg.ExtraEnv {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid extra_env entry %q, want KEY=VALUE", kv)
		}
		overlay[k] = v
	}

	overlay["PYTHONUNBUFFERED"] = "1"

	if p.SupportsLoRA && cfg.LoRA.Enabled {
		resolver := cfg.LoRA.RuntimeResolver
		if resolver.AllowRuntimeUpdates {
			overlay["VLLM_ALLOW_RUNTIME_LORA_UPDATING"] = "true"
		}
		if len(resolver.Plugins) > 0 {
			overlay["VLLM_PLUGINS"] = strings.Join(resolver.Plugins, ",")
		}
		if resolver.CacheDir != "" {
			dir, err := filepath.Abs(resolver.CacheDir)
			if err != nil {
				return nil, fmt.Errorf("resolve lora cache dir: %w", err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create lora cache dir: %w", err)
			}
			overlay["VLLM_LORA_RESOLVER_CACHE_DIR"] = dir
		}
	}

	env := make([]string, 0, len(os.Environ())+len(overlay))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overlay[k]; shadowed {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range sortedEnvKeys(overlay) {
		env = append(env, k+"="+overlay[k])
	}
	return env, nil
}
