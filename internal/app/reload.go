package app

import (
	"context"
	"path/filepath"

	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/telemetry"
)

// WatchConfig follows config.yaml and the OpenClaw config. log_level and
// debug_e2e apply immediately; other supervision settings take effect on the
// next session.
func (a *App) WatchConfig(ctx context.Context) error {
	cfg := a.Config()
	openclawCfg := a.env.OpenClawConfig(cfg.Gateway.ConfigPath)
	w := config.NewWatcher(cfg.HomeDir, a.logger, openclawCfg)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				a.logger.Info("openclaw config changed, the gateway reloads it itself", "path", ev.Path)
				continue
			}
			next, err := config.Load()
			if err != nil {
				a.logger.Error("config.yaml reload failed, keeping previous settings", "error", err)
				continue
			}
			a.ApplyConfig(next)
		}
	}()
	return nil
}

// ApplyConfig installs the live-adjustable parts of next.
func (a *App) ApplyConfig(next config.Config) {
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg.LogLevel = next.LogLevel
	a.cfg.DebugE2E = next.DebugE2E
	a.cfgMu.Unlock()

	if prev.LogLevel != next.LogLevel {
		a.level.Set(telemetry.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", "level", next.LogLevel)
	}
	if prev.DebugE2E != next.DebugE2E {
		a.Agent.SetDebug(next.DebugE2E)
		a.logger.Info("debug e2e toggled", "enabled", next.DebugE2E)
	}
	if prev.Fingerprint() != next.Fingerprint() {
		a.logger.Warn("supervision settings changed, restart the shell to apply them",
			"old_fingerprint", prev.Fingerprint(), "new_fingerprint", next.Fingerprint())
	}
}
