package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Logger
var log = logrus.New()

// App struct to hold dependencies
type App struct {
	Config *Config
	Relay  *Relay

	cleanup []func() error
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := initLogger(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.Close()

	router, err := app.newRouter()
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.run(ctx, router); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Info("Server stopped")
}

func initLogger(logLevel string) error {
	switch logLevel {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info", "":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		return fmt.Errorf("invalid log level: '%s'", logLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return nil
}

// newApp wires the credential sources and the relay.
func newApp(cfg *Config) (*App, error) {
	app := &App{Config: cfg}

	credentials, err := app.buildCredentialLoader()
	if err != nil {
		return nil, err
	}

	transport := newUpstreamTransport(cfg.ConnectTimeout, cfg.HeaderTimeout)
	app.Relay = NewRelay(credentials, transport, cfg.UpstreamURL, cfg.IdleTimeout, log)
	app.cleanup = append(app.cleanup, func() error {
		transport.CloseIdleConnections()
		return nil
	})

	return app, nil
}

// buildCredentialLoader chains the configured sources. The environment always
// wins, then the YAML file, then config.js. File sources are optionally
// cached behind a watcher.
func (app *App) buildCredentialLoader() (CredentialLoader, error) {
	cfg := app.Config

	var files ChainLoader
	var paths []string
	if cfg.CredentialsYAMLPath != "" {
		files = append(files, &YAMLLoader{Path: cfg.CredentialsYAMLPath})
		paths = append(paths, cfg.CredentialsYAMLPath)
	}
	if cfg.ConfigJSPath != "" {
		files = append(files, &ConfigJSLoader{Path: cfg.ConfigJSPath})
		paths = append(paths, cfg.ConfigJSPath)
	}

	var fileLoader CredentialLoader = files
	if cfg.WatchCredentials && len(paths) > 0 {
		watched, err := NewWatchedLoader(files, paths...)
		if err != nil {
			return nil, fmt.Errorf("watching credential files: %w", err)
		}
		app.cleanup = append(app.cleanup, watched.Close)
		fileLoader = watched
	}

	return ChainLoader{
		&EnvLoader{Name: cfg.EnvAPIKeyName},
		fileLoader,
	}, nil
}

// newRouter registers all routes on a gin engine.
func (app *App) newRouter() (*gin.Engine, error) {
	// Create a Gin router with default middleware (logger and recovery)
	router := gin.Default()
	router.Use(requestIDMiddleware())

	templates, err := loadPageTemplates()
	if err != nil {
		return nil, fmt.Errorf("parsing page templates: %w", err)
	}
	router.SetHTMLTemplate(templates)

	router.GET("/", mainPageHandler)
	router.GET("/main", mainPageHandler)

	api := router.Group("/api")
	{
		api.POST("/chat", app.Relay.chatHandler)
	}

	router.GET("/metrics", metricsHandler())

	// Serve static files for the frontend under /static
	router.StaticFS("/static", createEmbeddedFileServer())

	return router, nil
}

// run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (app *App) run(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:              app.Config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("Server started on %s", app.Config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", app.Config.ListenAddr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close releases watchers and idle upstream connections.
func (app *App) Close() error {
	var errs []error
	for _, fn := range app.cleanup {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanup = nil
	return errors.Join(errs...)
}

func printBanner(cfg *Config) {
	color.Cyan("perplexity-relay")
	color.Cyan("  listening on  %s", cfg.ListenAddr)
	color.Cyan("  upstream      %s", cfg.UpstreamURL)
	if cfg.WatchCredentials {
		color.Green("  credential files are watched for changes")
	}
}
