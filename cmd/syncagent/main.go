package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/clinicdesk/clinicsync/internal/auth"
	"github.com/clinicdesk/clinicsync/internal/cache"
	"github.com/clinicdesk/clinicsync/internal/config"
	"github.com/clinicdesk/clinicsync/internal/conn"
	"github.com/clinicdesk/clinicsync/internal/guard"
	"github.com/clinicdesk/clinicsync/internal/localops"
	"github.com/clinicdesk/clinicsync/internal/logging"
	"github.com/clinicdesk/clinicsync/internal/notify"
	"github.com/clinicdesk/clinicsync/internal/queue"
	"github.com/clinicdesk/clinicsync/internal/server"
	"github.com/clinicdesk/clinicsync/internal/status"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncagent",
		Short: "Clinic scheduling realtime sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Backend WebSocket URL (ws:// or wss://)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "Snapshot cache database path")
	cmd.PersistentFlags().Duration("cache-ttl", defaults.GetDuration("cache.ttl"), "Snapshot cache time-to-live")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("pairing-secret", "", "UI pairing secret (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "cache.ttl", "cache-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.pairing_secret", "pairing-secret")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := cache.Open(appConfig.CachePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cacheStore, err := cache.NewStore(cache.StoreConfig{
		Database: db,
		Profile:  appConfig.CacheProfile,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	cachedState := cacheStore.Load(appConfig.CacheTTL)
	if cachedState.HasData() {
		logger.Info("restored state from snapshot cache")
	}

	statusStore := status.NewStore(time.Now)
	localOps := localops.NewRegistry(localops.RegistryConfig{})
	notifications := notify.NewStore()
	mutationQueue := queue.New()
	changeGuard := guard.New(guard.Config{Logger: logger})

	manager, err := conn.NewManager(conn.ManagerConfig{
		BackendURL:    appConfig.BackendURL,
		Status:        statusStore,
		LocalOps:      localOps,
		Notifications: notifications,
		Cache:         cacheStore,
		InitialState:  &cachedState,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	// The backend owns snapshot delivery over the socket; re-requesting one
	// doubles as the reconnect refetch for REST-backed views.
	stopRefetch := status.NotifyOnReconnect(statusStore, manager.RequestSnapshot, logger)
	defer stopRefetch()

	// The agent holds one subscriber for its whole lifetime so the socket
	// stays open independent of UI churn.
	updates, detach := manager.Attach()
	defer detach()
	go func() {
		for update := range updates {
			logger.Debug("event applied",
				zap.String("type", string(update.Event.Type)),
				zap.Bool("local_echo", update.LocalEcho))
		}
	}()

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "clinicsync-agent",
		Audience:      "clinicsync-ui",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Manager:       manager,
		Status:        statusStore,
		Queue:         mutationQueue,
		Guard:         changeGuard,
		Notifications: notifications,
		Sessions:      sessions,
		PairingSecret: appConfig.PairingSecret,
		Logger:        logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("backend", appConfig.BackendURL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
