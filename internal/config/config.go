package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Router    RouterConfig    `mapstructure:"router"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`

	// Remote or pre-existing engine instances registered at boot.
	Backends []BackendConfig `mapstructure:"backends"`
	// Operator pinned model assignments. These always outrank discovery.
	ManualModels []ManualModelConfig `mapstructure:"manual_models"`

	VLLM   EngineConfig `mapstructure:"vllm"`
	SGLang EngineConfig `mapstructure:"sglang"`

	Logging         LoggingConfig      `mapstructure:"logging"`
	LogHousekeeping HousekeepingConfig `mapstructure:"log_housekeeping"`
	CORS            CORSConfig         `mapstructure:"cors"`
	Monitoring      MonitoringConfig   `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type AuthConfig struct {
	APIKeysFile string `mapstructure:"api_keys_file"`
	AdminUser   string `mapstructure:"admin_user"`
	WatchFile   bool   `mapstructure:"watch_file"`
}

// RateLimitConfig mirrors the gateway's three optional limits. Zero means unset.
type RateLimitConfig struct {
	QPS             int    `mapstructure:"qps"`
	Concurrent      int    `mapstructure:"concurrent"`
	TokensPerMinute int    `mapstructure:"tokens_per_minute"`
	RedisURL        string `mapstructure:"redis_url"`
	RedisPrefix     string `mapstructure:"redis_prefix"`
}

type RouterConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	HealthTimeout   time.Duration `mapstructure:"health_timeout"`
}

type ProxyConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	GetTimeout         time.Duration `mapstructure:"get_timeout"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	IdleConnTimeout    time.Duration `mapstructure:"idle_conn_timeout"`
}

type BackendConfig struct {
	Engine string `mapstructure:"engine"`
	URL    string `mapstructure:"url"`
}

type ManualModelConfig struct {
	Model  string `mapstructure:"model"`
	Engine string `mapstructure:"engine"`
	URL    string `mapstructure:"url"`
}

// EngineConfig describes one locally reachable engine and, when Managed is
// set, how the gateway launches it.
type EngineConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Managed      bool   `mapstructure:"managed"`
	AutoStart    bool   `mapstructure:"auto_start"`
	LaunchMode   string `mapstructure:"launch_mode"`
	StartCmd     string `mapstructure:"start_cmd"`
	StartCmdFile string `mapstructure:"start_cmd_file"`
	LogFile      string `mapstructure:"log_file"`
	LogMaxSizeMB int    `mapstructure:"log_max_size_mb"`
	PIDFile      string `mapstructure:"pid_file"`
	// ExtraEnv holds KEY=VALUE entries. A list keeps variable names
	// case-sensitive, which viper map keys are not.
	ExtraEnv       []string             `mapstructure:"extra_env"`
	PythonLauncher PythonLauncherConfig `mapstructure:"python_launcher"`
	LoRA           LoRAConfig           `mapstructure:"lora"`
	GracePeriod    time.Duration        `mapstructure:"grace_period"`
	ReadyTimeout   time.Duration        `mapstructure:"ready_timeout"`
	StopTimeout    time.Duration        `mapstructure:"stop_timeout"`
}

func (e EngineConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

type PythonLauncherConfig struct {
	Python   string `mapstructure:"python"`
	CondaEnv string `mapstructure:"conda_env"`
	EnvFile  string `mapstructure:"env_file"`
}

type LoRAConfig struct {
	Enabled          bool               `mapstructure:"enabled"`
	MaxLoRARank      int                `mapstructure:"max_lora_rank"`
	MaxLoRAs         int                `mapstructure:"max_loras"`
	MaxCPULoRAs      int                `mapstructure:"max_cpu_loras"`
	Preload          []LoRAModuleConfig `mapstructure:"preload"`
	DefaultMMLoRAs   map[string]string  `mapstructure:"default_mm_loras"`
	LimitMMPerPrompt map[string]int     `mapstructure:"limit_mm_per_prompt"`
	RuntimeResolver  LoRAResolverConfig `mapstructure:"runtime_resolver"`
}

type LoRAModuleConfig struct {
	Name          string `mapstructure:"name"`
	Path          string `mapstructure:"path"`
	BaseModelName string `mapstructure:"base_model_name"`
}

type LoRAResolverConfig struct {
	AllowRuntimeUpdates bool     `mapstructure:"allow_runtime_updates"`
	Plugins             []string `mapstructure:"plugins"`
	CacheDir            string   `mapstructure:"cache_dir"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type HousekeepingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Dir      string `mapstructure:"dir"`
	KeepDays int    `mapstructure:"keep_days"`
	Schedule string `mapstructure:"schedule"`
}

type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
	// MetricsPort serves /metrics on a dedicated listener when set.
	MetricsPort int `mapstructure:"metrics_port"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// Load reads configuration from configPath, falling back to $CONFIG_FILE and
// then config/config.yaml. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/infergate")
	}

	setDefaults(v)

	v.SetEnvPrefix("INFERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the gateway cannot act on.
func (c *Config) Validate() error {
	if c.RateLimit.QPS < 0 || c.RateLimit.Concurrent < 0 || c.RateLimit.TokensPerMinute < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	for _, b := range c.Backends {
		if !validEngine(b.Engine) {
			return fmt.Errorf("backend %q: unknown engine %q", b.URL, b.Engine)
		}
		if b.URL == "" {
			return fmt.Errorf("backend with engine %q has no url", b.Engine)
		}
	}
	for _, m := range c.ManualModels {
		if m.Model == "" {
			return fmt.Errorf("manual model entry without a model name")
		}
		if !validEngine(m.Engine) {
			return fmt.Errorf("manual model %q: unknown engine %q", m.Model, m.Engine)
		}
	}
	for name, e := range map[string]EngineConfig{"vllm": c.VLLM, "sglang": c.SGLang} {
		if e.LaunchMode != "cli" && e.LaunchMode != "python_api" {
			return fmt.Errorf("%s.launch_mode must be cli or python_api, got %q", name, e.LaunchMode)
		}
	}
	return nil
}

func validEngine(engine string) bool {
	return engine == "vllm" || engine == "sglang"
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")

	// Auth defaults
	v.SetDefault("auth.api_keys_file", "config/api_keys.json")
	v.SetDefault("auth.admin_user", "admin")
	v.SetDefault("auth.watch_file", true)

	// Rate limit defaults
	v.SetDefault("rate_limit.qps", 0)
	v.SetDefault("rate_limit.concurrent", 0)
	v.SetDefault("rate_limit.tokens_per_minute", 0)
	v.SetDefault("rate_limit.redis_prefix", "infergate:tokens:")

	// Router defaults
	v.SetDefault("router.refresh_interval", "30s")
	v.SetDefault("router.refresh_timeout", "10s")
	v.SetDefault("router.health_timeout", "5s")

	// Proxy defaults
	v.SetDefault("proxy.timeout", "300s")
	v.SetDefault("proxy.connect_timeout", "30s")
	v.SetDefault("proxy.get_timeout", "30s")
	v.SetDefault("proxy.max_connections", 2048)
	v.SetDefault("proxy.max_idle_connections", 1024)
	v.SetDefault("proxy.idle_conn_timeout", "600s")

	engineDefaults(v, "vllm", 8002, true)
	engineDefaults(v, "sglang", 8003, false)

	// LoRA applies to vLLM only
	v.SetDefault("vllm.lora.enabled", false)
	v.SetDefault("vllm.lora.max_lora_rank", 64)
	v.SetDefault("vllm.lora.max_loras", 4)
	v.SetDefault("vllm.lora.max_cpu_loras", 2)
	v.SetDefault("vllm.lora.runtime_resolver.allow_runtime_updates", true)
	v.SetDefault("vllm.lora.runtime_resolver.plugins", []string{"lora_filesystem_resolver"})
	v.SetDefault("vllm.lora.runtime_resolver.cache_dir", "./lora_cache")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	v.SetDefault("log_housekeeping.enabled", true)
	v.SetDefault("log_housekeeping.dir", "logs")
	v.SetDefault("log_housekeeping.keep_days", 7)
	v.SetDefault("log_housekeeping.schedule", "@daily")

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_port", 0)

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age", 86400)
}

func engineDefaults(v *viper.Viper, name string, port int, enabled bool) {
	v.SetDefault(name+".enabled", enabled)
	v.SetDefault(name+".host", "localhost")
	v.SetDefault(name+".port", port)
	v.SetDefault(name+".managed", false)
	v.SetDefault(name+".auto_start", false)
	v.SetDefault(name+".launch_mode", "python_api")
	v.SetDefault(name+".start_cmd_file", fmt.Sprintf("config/%s_start_cmd.txt", name))
	v.SetDefault(name+".log_file", fmt.Sprintf("logs/%s.log", name))
	v.SetDefault(name+".log_max_size_mb", 100)
	v.SetDefault(name+".pid_file", fmt.Sprintf(".pids/%s.pid", name))
	v.SetDefault(name+".python_launcher.python", "python3")
	v.SetDefault(name+".grace_period", "10s")
	v.SetDefault(name+".ready_timeout", "60s")
	v.SetDefault(name+".stop_timeout", "30s")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.host", "GATEWAY_HOST")
	_ = v.BindEnv("server.port", "GATEWAY_PORT")

	// Auth
	_ = v.BindEnv("auth.api_keys_file", "API_KEYS_FILE")

	// Rate limit
	_ = v.BindEnv("rate_limit.redis_url", "REDIS_URL")

	// Engines
	_ = v.BindEnv("vllm.host", "VLLM_HOST")
	_ = v.BindEnv("vllm.port", "VLLM_PORT")
	_ = v.BindEnv("sglang.host", "SGLANG_HOST")
	_ = v.BindEnv("sglang.port", "SGLANG_PORT")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}
