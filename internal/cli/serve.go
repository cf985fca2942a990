package cli

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go-imagecheck"
	"github.com/anatolykoptev/go-imagecheck/internal/config"
	"github.com/anatolykoptev/go-imagecheck/internal/logger"
	"github.com/anatolykoptev/go-imagecheck/internal/server"
	"github.com/anatolykoptev/go-imagecheck/internal/usage"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP analysis service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.runServe(cmd, watch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload analysis and logging settings when the config file changes")
	return cmd
}

func openUsage(cfg config.UsageConfig) (*usage.Store, error) {
	store, err := usage.Open(cfg.DBPath, usage.WithFreeScansPerDay(cfg.FreeScansPerDay))
	if err != nil {
		return nil, fmt.Errorf("usage store: %w", err)
	}
	return store, nil
}

func (a *app) runServe(cmd *cobra.Command, watch bool) error {
	cfg := a.cfg
	gin.SetMode(cfg.Server.Mode)

	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var store *usage.Store
	if cfg.Usage.Enabled {
		if store, err = openUsage(cfg.Usage); err != nil {
			return err
		}
		defer store.Close()
	}

	var cache imagecheck.Cache
	if cfg.Analysis.CacheTTL > 0 {
		cache = server.NewMemoryCache(cfg.Analysis.CacheTTL)
	}

	srv, err := server.New(newAnalyzer(cfg, b, cache), server.Options{
		Config:  cfg.Server,
		Usage:   store,
		Locator: b.locatorName,
		Scorer:  b.scorerName,
	})
	if err != nil {
		return err
	}

	if watch && a.configPath != "" {
		loader := config.NewLoader(a.configPath)
		if _, err := loader.Load(); err != nil {
			return err
		}
		loader.OnChange(func(next *config.Config) {
			srv.SetAnalyzer(newAnalyzer(next, b, cache))
			if err := logger.SetLevel(next.Logging.Level); err != nil {
				logger.Warning("invalid log level on reload", logger.LoggerOptions{Key: "error", Data: err.Error()})
			}
			if next.Detector != cfg.Detector || !sameScorer(next.Scorer, cfg.Scorer) {
				logger.Warning("face backend changes take effect after a restart")
			}
			logger.Info("configuration reloaded", logger.LoggerOptions{Key: "path", Data: a.configPath})
		})
		if err := loader.Watch(); err != nil {
			return err
		}
		defer loader.Close()

		go func() {
			for err := range loader.Errors() {
				logger.Warning("configuration reload rejected", logger.LoggerOptions{Key: "error", Data: err.Error()})
			}
		}()
	}

	return srv.Run(cmd.Context(), cfg.Server.Addr)
}

func sameScorer(x, y config.ScorerConfig) bool {
	if x.Backend != y.Backend || x.Command != y.Command || x.ModelPath != y.ModelPath ||
		x.InputSize != y.InputSize || x.NHWC != y.NHWC || x.Workers != y.Workers ||
		len(x.Args) != len(y.Args) {
		return false
	}
	for i := range x.Args {
		if x.Args[i] != y.Args[i] {
			return false
		}
	}
	return true
}
