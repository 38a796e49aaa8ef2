// Command novad runs the NOVA truth process and edge process in a
// single deployable binary: the truth side owns the store, cursor
// registry, and UI-state map; the edge side terminates client
// WebSocket connections and forwards typed requests through the
// router (§2, §4.10).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nova-truth/nova/pkg/command"
	"github.com/nova-truth/nova/pkg/config"
	"github.com/nova-truth/nova/pkg/database"
	"github.com/nova-truth/nova/pkg/driver"
	"github.com/nova-truth/nova/pkg/edge"
	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/playback"
	"github.com/nova-truth/nova/pkg/router"
	"github.com/nova-truth/nova/pkg/transport"
	"github.com/nova-truth/nova/pkg/truthstore"
	"github.com/nova-truth/nova/pkg/uistate"
	"github.com/nova-truth/nova/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory (expects nova.yaml and .env)")
	flag.Parse()

	setupLogging()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	slog.Info("starting novad", "version", version.Full())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to truth store", "database", dbCfg.Database)

	store := truthstore.New(dbClient.DB())

	// newDriverRegistry builds a fresh set of driver instances on every
	// call. The real-time writer and the exporter each need their own
	// registry: every driver holds its own open file handles, and an
	// export's finalization must never close the real-time writer's
	// live files (§4.8's "isolated export directory" separation).
	newDriverRegistry := func() *driver.Registry {
		return driver.NewRegistry(
			driver.NewRawFrameDriver("rawframe", "v1"),
			driver.NewJSONLinesDriver("jsonlines", "v1"),
		)
	}
	realtimeWriter := driver.NewRealTimeWriter(newDriverRegistry(), store, cfg.FileWriter.DataDir)
	exporter := driver.NewExporter(newDriverRegistry, store, cfg.Export.ExportDir)

	waker := playback.NewScopeWaker()

	pipeline := ingest.New(store, realtimeWriter, waker, nil)
	realtimeWriter.SetPipeline(pipeline)

	uiManager := uistate.New(pipeline, cfg.UI.CheckpointIntervalMinutes)
	pipeline.SetUIAppender(uiManager)

	playbackEngine := playback.New(store, waker,
		time.Duration(cfg.Playback.WindowSpanMilliseconds)*time.Millisecond)

	publisher := transport.NewPublisher(dbClient.DB())
	commandManager := command.New(pipeline, store, publisher)

	truthRouter := router.New(store, playbackEngine, commandManager, pipeline, uiManager, exporter)

	// The subscriber opens its own dedicated connection (LISTEN/NOTIFY
	// occupies a connection for the life of the subscription, so it
	// cannot share dbClient's pool) against the same database the pool
	// above was opened against.
	subscriberDSN := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbCfg.Host, dbCfg.Port, dbCfg.User, dbCfg.Password, dbCfg.Database, dbCfg.SSLMode)
	subscriber := transport.NewSubscriber(subscriberDSN)
	if err := subscriber.Start(ctx); err != nil {
		slog.Error("failed to start transport subscriber", "error", err)
		os.Exit(1)
	}
	defer subscriber.Stop(ctx)

	bridge := transport.NewBridge(pipeline)
	startIngestListeners(ctx, subscriber, bridge, cfg)

	connMgr := edge.NewConnectionManager(truthRouter, nil)
	server := edge.NewServer(connMgr)

	addr := ":" + getEnv("HTTP_PORT", "8080")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to bind edge listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("edge process listening", "addr", addr)
		serveErr <- server.StartWithListener(ln)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("edge server exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("edge server shutdown error", "error", err)
	}
}

// startIngestListeners subscribes the transport layer according to the
// instance's configured role (§6 role key) and drains each resulting
// channel through the bridge into ingest. Payload instances subscribe to
// their own scope plus its command channel; aggregating instances
// subscribe to every scope via the aggregate fan-out channel.
func startIngestListeners(ctx context.Context, sub *transport.Subscriber, bridge *transport.Bridge, cfg *config.Config) {
	aggregate := cfg.Role == config.RoleAggregating

	scopeCh, err := sub.SubscribeScope(ctx, cfg.ScopeID, aggregate)
	if err != nil {
		slog.Error("failed to subscribe to scope channel", "error", err)
		os.Exit(1)
	}
	go bridge.Run(ctx, scopeCh)

	if !aggregate {
		cmdCh, err := sub.SubscribeCommands(ctx, cfg.ScopeID)
		if err != nil {
			slog.Error("failed to subscribe to command channel", "error", err)
			os.Exit(1)
		}
		go bridge.Run(ctx, cmdCh)
	}
}

// setupLogging configures the default slog handler: human-readable text
// in development, structured JSON when NOVA_LOG_FORMAT=json is set — the
// same NOVA_LOG_FORMAT env switch pattern used for other runtime toggles.
func setupLogging() {
	level := slog.LevelInfo
	if getEnv("NOVA_LOG_LEVEL", "") == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if getEnv("NOVA_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
