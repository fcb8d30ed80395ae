package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/internal/connection"
	"github.com/tokentrigger/engine/internal/executor"
	"github.com/tokentrigger/engine/internal/feed"
	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/metrics"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/server"
	"github.com/tokentrigger/engine/internal/service"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/internal/syncer"
	"github.com/tokentrigger/engine/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config     *config.Config
	logger     *logrus.Logger
	connection *connection.ConnectionManager
	store      store.Store
	ledger     *ledger.Client
	service    *service.ListenerService
	syncer     *syncer.StorageSyncer
	feed       *feed.WebSocketFeed
	server     *server.HTTPServer
	metrics    *metrics.PrometheusMetrics
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
	}).Info("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewPrometheusMetrics()

	if err := app.initializeStore(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := app.initializeLedger(); err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	if err := app.initializeService(); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStore initializes the storage layer and runs migrations
func (app *Application) initializeStore() error {
	app.logger.Info("Initializing store")

	st, err := store.NewStore(&store.StoreConfig{
		Type:             app.config.Storage.Type,
		ConnectionString: app.config.Storage.ConnectionString,
		MaxConnections:   app.config.Storage.MaxConnections,
		MaxIdleTime:      app.config.Storage.MaxIdleTime,
	})
	if err != nil {
		return err
	}

	if err := st.Connect(); err != nil {
		return err
	}
	if err := st.Migrate(); err != nil {
		return err
	}

	app.store = st
	return nil
}

// initializeLedger initializes the chain connection and ledger client
func (app *Application) initializeLedger() error {
	app.logger.Info("Initializing ledger client")

	app.connection = connection.NewConnectionManager(&app.config.Node)

	ld, err := ledger.NewClient(app.connection, &app.config.Node)
	if err != nil {
		return err
	}
	app.ledger = ld

	app.syncer = syncer.NewStorageSyncer(app.store, app.ledger, &syncer.SyncerConfig{
		Contract:    common.HexToAddress(app.config.Engine.Contract),
		Interval:    app.config.Syncer.Interval,
		SyncTimeout: app.config.Syncer.SyncTimeout,
	}, app.metrics)

	return nil
}

// initializeService initializes the executor and listener service
func (app *Application) initializeService() error {
	app.logger.Info("Initializing listener service")

	exec := executor.NewActionExecutor(app.store, app.ledger, &executor.ExecutorConfig{
		MarketAccount:    common.HexToAddress(app.config.Engine.MarketAccount),
		ExecutionTimeout: app.config.Engine.ExecutionTimeout,
	}, app.metrics)

	app.service = service.NewListenerService(app.store, exec, &service.ServiceConfig{
		Contract:  common.HexToAddress(app.config.Engine.Contract),
		QueueSize: app.config.Engine.QueueSize,
	}, app.metrics)

	if app.config.Feed.Enabled {
		app.feed = feed.NewWebSocketFeed(app.service, &app.config.Feed)
	}

	return nil
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	app.logger.Info("Initializing HTTP server")

	serverCfg := &server.ServerConfig{
		Port:          app.config.Server.Port,
		Host:          app.config.Server.Host,
		ReadTimeout:   app.config.Server.ReadTimeout,
		WriteTimeout:  app.config.Server.WriteTimeout,
		EnableMetrics: app.config.Server.EnableMetrics,
		EnableHealth:  app.config.Server.EnableHealth,
	}

	defaults := &server.EngineDefaults{
		Contract: common.HexToAddress(app.config.Engine.Contract),
		Owner:    common.HexToAddress(app.config.Engine.Owner),
	}

	srv, err := server.NewHTTPServer(serverCfg, defaults, app.store, app.service, app.syncer, app.metrics)
	if err != nil {
		return err
	}

	app.server = srv
	return nil
}

// Start starts the application. In foreground mode evaluation summaries
// are printed to the console.
func (app *Application) Start(foreground bool) error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"foreground":  foreground,
	}).Info("Starting token trigger engine")

	if foreground {
		app.service.SetSummarySink(func(summary *models.EvaluationSummary) {
			fmt.Println(service.FormatSummary(summary))
		})
	}

	if err := app.service.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start listener service: %w", err)
	}

	if app.feed != nil {
		if err := app.feed.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start price feed: %w", err)
		}
	}

	if app.config.Syncer.Interval > 0 {
		if err := app.syncer.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start storage syncer: %w", err)
		}
	}

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node":           app.config.Node.URL,
		"contract":       app.config.Engine.Contract,
	}).Info("Token trigger engine started")

	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping token trigger engine")

	app.cancel()

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.feed != nil {
		if err := app.feed.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop price feed")
		}
	}

	if app.syncer != nil && app.syncer.IsRunning() {
		if err := app.syncer.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop storage syncer")
		}
	}

	if app.service != nil && app.service.IsRunning() {
		if err := app.service.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop listener service")
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close store")
		}
	}

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	app.logger.Info("Token trigger engine stopped")
	return nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "trigger",
	Short:   "Price-triggered token execution engine",
	Long:    `A price-triggered execution engine for multi-token contracts: register listeners on token prices and have sell, buy or transfer actions executed the moment a matching price is observed.`,
	Version: AppVersion,
	RunE:    runEngine,
}

// runEngine is the main command to run the trigger engine
func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	foreground, _ := cmd.Flags().GetBool("foreground")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(foreground); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	// A fatal evaluation loop error also ends the process.
	loopDone := make(chan error, 1)
	go func() { loopDone <- app.service.Wait() }()

	select {
	case <-signalChan:
		fmt.Println("\nReceived shutdown signal, stopping...")
	case err := <-loopDone:
		if err != nil {
			app.Stop()
			return fmt.Errorf("evaluation loop failed: %w", err)
		}
	}

	return app.Stop()
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolP("foreground", "f", false, "print evaluation summaries to the console")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(listenersCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(updatePriceCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(balanceCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
