package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/api"
	"github.com/formguard/formguard/internal/auth"
	"github.com/formguard/formguard/internal/chread"
	"github.com/formguard/formguard/internal/config"
	"github.com/formguard/formguard/internal/detector"
	"github.com/formguard/formguard/internal/engine"
	"github.com/formguard/formguard/internal/engine/rules"
	"github.com/formguard/formguard/internal/llmclient"
	"github.com/formguard/formguard/internal/observability"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/storage"
	"github.com/formguard/formguard/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "formguard-server",
	Short: "Local formjacking detection daemon",
	Long: "formguard-server watches outgoing page traffic reported by a browser\n" +
		"extension, correlates it with sensitive form input, and answers with a\n" +
		"verdict before the request leaves the machine.",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (YAML; FORMGUARD_-prefixed env vars override)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Service:    "formguard",
	})
	observability.SetGlobal(logger)
	defer observability.Sync()

	logger.Info("starting formguard daemon",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("ai_enabled", cfg.AI.Enabled),
		zap.Duration("correlation_window", cfg.Engine.CorrelationWindow),
	)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	var authn auth.Authenticator
	if cfg.Auth.Enabled {
		authn = auth.NewProfileAuthenticator(auth.ProfileAuthConfig{
			Store:    st,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
	} else {
		authn = auth.NewStaticAuthenticator()
		logger.Info("profile auth disabled, accepting any well-formed client key")
	}

	// Detection event sink: ClickHouse when configured, log fallback so a
	// bare install still leaves an audit trail.
	var writer storage.EventWriter
	if cfg.ClickHouse.DSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no clickhouse dsn set, detection events go to the log")
	}
	defer writer.Close()

	// Reader for the events/analytics endpoints. Unlike the writer there is
	// no fallback: the API reports 503 until ClickHouse is reachable.
	var reader *chread.Reader
	if cfg.ClickHouse.DSN != "" {
		r, err := chread.NewReader(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed, events API unavailable", zap.Error(err))
		} else {
			reader = r
			defer reader.Close() //nolint:errcheck
		}
	}

	eng := engine.NewHeuristicEngine(logger)
	if err := rules.Register(eng); err != nil {
		return fmt.Errorf("register builtin rules: %w", err)
	}
	loadCustomRules(cmd.Context(), st, eng, logger)

	var classifier detector.SecondaryClassifier
	if cfg.AI.Enabled && cfg.AI.APIKey != "" {
		gem, err := llmclient.NewGeminiClassifier(llmclient.Config{
			APIKey:            cfg.AI.APIKey,
			Model:             cfg.AI.Model,
			Endpoint:          cfg.AI.Endpoint,
			Timeout:           cfg.AI.Timeout,
			RequestsPerMinute: cfg.AI.RequestsPerMinute,
			Burst:             cfg.AI.Burst,
		}, logger)
		if err != nil {
			return fmt.Errorf("init gemini classifier: %w", err)
		}
		classifier = gem
		logger.Info("gemini classifier enabled", zap.String("model", cfg.AI.Model))
	} else {
		classifier = detector.NewStubClassifier()
		if cfg.AI.Enabled {
			logger.Warn("ai.enabled is set but ai.api_key is empty, secondary analysis stays off")
		}
	}

	registry := session.NewRegistry(session.Config{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
		Logger:        logger,
		Factory: func(clientID, tabID string, policy engine.ClientPolicy) *detector.Orchestrator {
			for _, id := range policy.DisabledRules {
				eng.SetRuleEnabled(id, false)
			}
			return detector.NewOrchestrator(detector.Config{
				TabID:       tabID,
				ClientID:    clientID,
				Engine:      eng,
				Allowlist:   store.NewClientAllowlist(st, clientID),
				Events:      writer,
				Classifier:  classifier,
				AIEnabled:   policy.EffectiveAIEnabled(cfg.AI.Enabled),
				QueryWindow: policy.EffectiveCorrelationWindow(cfg.Engine.CorrelationWindow),
				AITimeout:   policy.EffectiveAITimeout(cfg.AI.Timeout),
				Logger:      logger,
			})
		},
	})
	defer registry.Close()

	deps := &api.Dependencies{
		Store:       st,
		Engine:      eng,
		Sessions:    registry,
		Auth:        authn,
		Reader:      reader,
		Logger:      logger,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("formguard daemon stopped")
	return nil
}

// openStore picks the persistence backend: Postgres when a DSN is
// configured, otherwise the local bbolt file.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("postgres store connected")
		return store.NewPG(pool, logger), nil
	}

	bolt, err := store.NewBolt(cfg.Bolt.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	logger.Info("bolt store opened", zap.String("path", cfg.Bolt.Path))
	return bolt, nil
}

// loadCustomRules compiles every persisted custom rule into the shared
// engine. The static-auth client id is always included so DB-less installs
// get their rules back after a restart.
func loadCustomRules(ctx context.Context, st store.Store, eng *engine.HeuristicEngine, logger *zap.Logger) {
	clientIDs := []string{auth.StaticClientID}
	profiles, err := st.ListProfiles(ctx)
	if err != nil {
		logger.Warn("list profiles for custom rule load failed", zap.Error(err))
	}
	for _, p := range profiles {
		clientIDs = append(clientIDs, p.ClientID)
	}

	loaded := 0
	for _, clientID := range clientIDs {
		records, err := st.ListRules(ctx, clientID)
		if err != nil {
			logger.Warn("list custom rules failed", zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		for _, rec := range records {
			var spec rules.Spec
			if err := json.Unmarshal(rec.Spec, &spec); err != nil {
				logger.Warn("skipping unparseable custom rule",
					zap.String("client_id", clientID), zap.String("rule_id", rec.RuleID), zap.Error(err))
				continue
			}
			rule, err := rules.Compile(spec)
			if err != nil {
				logger.Warn("skipping uncompilable custom rule",
					zap.String("client_id", clientID), zap.String("rule_id", rec.RuleID), zap.Error(err))
				continue
			}
			if err := eng.RegisterRule(rule); err != nil {
				logger.Warn("skipping invalid custom rule",
					zap.String("client_id", clientID), zap.String("rule_id", rec.RuleID), zap.Error(err))
				continue
			}
			loaded++
		}
	}
	if loaded > 0 {
		logger.Info("custom rules loaded", zap.Int("count", loaded))
	}
}
