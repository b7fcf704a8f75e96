package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/config"
	"github.com/amerfu/infergate/internal/handlers"
	"github.com/amerfu/infergate/internal/services/monitoring"
	"github.com/amerfu/infergate/internal/services/routing"
	"github.com/amerfu/infergate/internal/services/supervisor"
)

// syncBackends registers the configured instances and manual model pins.
// Enabled local engines are registered whether or not this gateway manages
// their process.
func syncBackends(cfg *config.Config, rt *routing.Router, logger *zap.Logger) {
	for _, b := range cfg.Backends {
		engine, err := routing.ParseEngineType(b.Engine)
		if err != nil {
			logger.Warn("Skipping backend with unknown engine", zap.String("url", b.URL), zap.Error(err))
			continue
		}
		if _, err := rt.Register(engine, b.URL); err != nil {
			logger.Warn("Skipping invalid backend", zap.String("url", b.URL), zap.Error(err))
		}
	}

	for _, le := range localEngines(cfg) {
		if !le.cfg.Enabled {
			continue
		}
		if _, err := rt.Register(le.engine, le.cfg.BaseURL()); err != nil {
			logger.Warn("Skipping invalid local engine", zap.String("engine", string(le.engine)), zap.Error(err))
		}
	}

	for _, m := range cfg.ManualModels {
		engine, err := routing.ParseEngineType(m.Engine)
		if err != nil {
			logger.Warn("Skipping manual model with unknown engine", zap.String("model", m.Model), zap.Error(err))
			continue
		}
		if err := rt.SetManual(m.Model, engine, m.URL); err != nil {
			logger.Warn("Skipping invalid manual model", zap.String("model", m.Model), zap.Error(err))
		}
	}
}

type localEngine struct {
	engine  routing.EngineType
	profile supervisor.Profile
	cfg     config.EngineConfig
}

func localEngines(cfg *config.Config) []localEngine {
	return []localEngine{
		{engine: routing.EngineVLLM, profile: supervisor.VLLMProfile, cfg: cfg.VLLM},
		{engine: routing.EngineSGLang, profile: supervisor.SGLangProfile, cfg: cfg.SGLang},
	}
}

// managedEngine is a local engine whose process this gateway supervises.
type managedEngine struct {
	Engine     routing.EngineType
	Supervisor *supervisor.Supervisor
	BaseURL    string
	AutoStart  bool
	cfg        config.EngineConfig
}

func (m managedEngine) ManagedEngine() handlers.ManagedEngine {
	return handlers.ManagedEngine{
		Engine:       m.Engine,
		Supervisor:   m.Supervisor,
		Host:         m.cfg.Host,
		Port:         m.cfg.Port,
		BaseURL:      m.BaseURL,
		ReadyTimeout: m.cfg.ReadyTimeout,
	}
}

func newManagedEngines(cfg *config.Config, recorder *monitoring.Recorder, logger *zap.Logger) []managedEngine {
	var out []managedEngine
	for _, le := range localEngines(cfg) {
		if !le.cfg.Enabled || !le.cfg.Managed {
			continue
		}
		normalized, err := routing.NormalizeURL(le.cfg.BaseURL())
		if err != nil {
			logger.Warn("Skipping managed engine with invalid address", zap.String("engine", string(le.engine)), zap.Error(err))
			continue
		}
		out = append(out, managedEngine{
			Engine:     le.engine,
			Supervisor: supervisor.New(le.profile, le.cfg, logger, supervisor.WithEventRecorder(recorder)),
			BaseURL:    normalized,
			AutoStart:  le.cfg.AutoStart,
			cfg:        le.cfg,
		})
	}
	return out
}

// autoStart launches the engine unless one is already running, then waits
// for it to serve and refreshes discovery.
func (m managedEngine) autoStart(ctx context.Context, rt *routing.Router, logger *zap.Logger) {
	log := logger.With(zap.String("engine", string(m.Engine)))

	pid, err := m.Supervisor.Start(ctx, "")
	if err != nil {
		if supervisor.IsLockContention(err) {
			log.Info("Another gateway is starting the backend")
			return
		}
		log.Error("Auto-start failed", zap.Error(err))
		return
	}
	log.Info("Backend auto-started", zap.Int("pid", pid))

	if !m.Supervisor.WaitForReady(ctx, m.cfg.Host, m.cfg.Port, m.cfg.ReadyTimeout) {
		log.Warn("Backend did not become ready", zap.Duration("timeout", m.cfg.ReadyTimeout))
		return
	}
	if _, err := rt.Refresh(ctx); err != nil {
		log.Warn("Refresh after auto-start failed", zap.Error(err))
	}
}
