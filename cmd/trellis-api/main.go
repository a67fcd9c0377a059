package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trellis-notes/trellis/backend/internal/accounts"
	"github.com/trellis-notes/trellis/backend/internal/auth"
	"github.com/trellis-notes/trellis/backend/internal/config"
	"github.com/trellis-notes/trellis/backend/internal/database"
	"github.com/trellis-notes/trellis/backend/internal/document"
	"github.com/trellis-notes/trellis/backend/internal/logging"
	"github.com/trellis-notes/trellis/backend/internal/propagation"
	"github.com/trellis-notes/trellis/backend/internal/queue"
	"github.com/trellis-notes/trellis/backend/internal/realtime"
	"github.com/trellis-notes/trellis/backend/internal/search"
	"github.com/trellis-notes/trellis/backend/internal/server"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "trellis-api",
		Short: "Trellis document synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newTierCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("save-debounce-ms", defaults.GetInt("save.debounce_ms"), "Save debounce in milliseconds")
	cmd.PersistentFlags().Int("save-max-delay-ms", defaults.GetInt("save.max_delay_ms"), "Maximum save delay in milliseconds")
	cmd.PersistentFlags().Int("queue-poll-ms", defaults.GetInt("queue.poll_interval_ms"), "Queue poll interval in milliseconds")
	cmd.PersistentFlags().Int("queue-max-attempts", defaults.GetInt("queue.max_attempts"), "Job attempts before parking as failed")
	cmd.PersistentFlags().Int("propagation-concurrency", defaults.GetInt("queue.propagation_concurrency"), "Propagation worker slots")
	cmd.PersistentFlags().Int("fanout-concurrency", defaults.GetInt("queue.fanout_concurrency"), "Notification worker slots")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "save.debounce_ms", "save-debounce-ms")
	bindFlag(cmd, "save.max_delay_ms", "save-max-delay-ms")
	bindFlag(cmd, "queue.poll_interval_ms", "queue-poll-ms")
	bindFlag(cmd, "queue.max_attempts", "queue-max-attempts")
	bindFlag(cmd, "queue.propagation_concurrency", "propagation-concurrency")
	bindFlag(cmd, "queue.fanout_concurrency", "fanout-concurrency")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand issues a session token for a user, mainly for local
// development and operational replays.
func newTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			sessions, err := auth.NewSessions(auth.SessionConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        "trellis-api",
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := sessions.IssueToken(userID)
			if err != nil {
				return err
			}
			cmd.Printf("%s\nexpires: %s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier to issue the token for")
	return cmd
}

// newTierCommand changes a user's entitlement tier, creating the account
// first when it does not exist yet.
func newTierCommand() *cobra.Command {
	var userID string
	var tier string
	cmd := &cobra.Command{
		Use:   "tier",
		Short: "Set the entitlement tier for a user",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			db, err := database.OpenSQLite(appConfig.DatabasePath, nil)
			if err != nil {
				return err
			}
			service, err := accounts.NewService(accounts.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			if _, err := service.Ensure(cmd.Context(), userID); err != nil {
				return err
			}
			if err := service.SetTier(cmd.Context(), userID, accounts.Tier(tier)); err != nil {
				return err
			}
			cmd.Printf("user %s set to tier %s\n", userID, tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&tier, "tier", string(accounts.TierFree), "Tier (free or plus)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessions, err := auth.NewSessions(auth.SessionConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "trellis-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := document.NewRegistry()
	gatekeeper, err := document.NewGatekeeper(document.GatekeeperConfig{
		Database: db,
		Sessions: sessions,
		Registry: registry,
		Metrics:  document.NewMetrics(promRegistry),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	broker, err := queue.NewBroker(queue.BrokerConfig{
		Database:     db,
		Logger:       logger,
		PollInterval: appConfig.QueuePollEvery,
		MaxAttempts:  appConfig.QueueMaxAttempts,
	})
	if err != nil {
		return err
	}

	dispatcher := realtime.NewDispatcher()

	lifecycle, err := document.NewLifecycle(document.LifecycleConfig{
		Database:     db,
		Registry:     registry,
		Queue:        broker,
		Broadcaster:  dispatcher,
		Logger:       logger,
		SaveDebounce: appConfig.SaveDebounce,
		SaveMaxDelay: appConfig.SaveMaxDelay,
	})
	if err != nil {
		return err
	}
	defer lifecycle.Stop()

	pipeline, err := propagation.NewPipeline(propagation.PipelineConfig{
		Database: db,
		Queue:    broker,
		Search:   search.NewIndex(search.IndexConfig{Logger: logger}),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fanout, err := realtime.NewFanout(realtime.FanoutConfig{
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	broker.Register(document.JobKindPropagation, appConfig.PropagationSlots, pipeline.Handle)
	broker.Register(realtime.JobKindNotification, appConfig.FanoutSlots, fanout.Handle)

	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gatekeeper: gatekeeper,
		Lifecycle:  lifecycle,
		Database:   db,
		Dispatcher: dispatcher,
		Accounts:   accountService,
		Metrics:    promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return broker.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
