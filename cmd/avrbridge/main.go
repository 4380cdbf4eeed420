// AVR Bridge - MQTT control bridge for Marantz/Denon receivers
//
// This is the main entry point for the AVR bridge daemon. The bridge
// connects to a receiver's telnet control port, correlates commands with
// the receiver's unsolicited line-oriented replies, and exposes every
// control over MQTT:
//   - avrbridge/command/avr/{control}  - set a control value
//   - avrbridge/read/avr/{control}     - request a fresh read
//   - avrbridge/state/avr/{control}    - retained current value
//   - avrbridge/health/avr             - periodic liveness document
//
// Presets (named snapshots of the receiver's state) are managed on
// avrbridge/preset/{capture|apply|list|delete}.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/avr-bridge/migrations"

	"github.com/nerrad567/avr-bridge/internal/bridges/avr"
	"github.com/nerrad567/avr-bridge/internal/infrastructure/config"
	"github.com/nerrad567/avr-bridge/internal/infrastructure/database"
	"github.com/nerrad567/avr-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/avr-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/avr-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/avr-bridge/internal/preset"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AVR bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker. The last will replaces the bridge's health
	// document, so subscribers see offline immediately on an unclean exit.
	lwt, err := json.Marshal(avr.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("building LWT payload: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
		Topic:   avr.HealthTopic(),
		Payload: lwt,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to the receiver and start the correlation session
	session, stream, err := startSession(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting receiver session: %w", err)
	}
	defer func() {
		log.Info("closing receiver session")
		if closeErr := session.Close(); closeErr != nil {
			log.Error("error closing session", "error", closeErr)
		}
		if closeErr := stream.Close(); closeErr != nil {
			log.Error("error closing receiver connection", "error", closeErr)
		}
	}()

	// Adapt the infrastructure MQTT client to the bridge interfaces
	mqttAdapter := &mqttBridgeAdapter{client: mqttClient}

	// Start the AVR bridge
	avrBridge, err := startAVRBridge(ctx, cfg, session, mqttAdapter, influxClient, log)
	if err != nil {
		return fmt.Errorf("starting AVR bridge: %w", err)
	}
	defer func() {
		log.Info("stopping AVR bridge")
		avrBridge.Stop()
	}()

	// Expose preset management over MQTT
	presetRepo := preset.NewSQLiteRepository(db.DB)
	presetService := preset.NewService(presetRepo, session)
	presetHandler, err := preset.NewHandler(presetService, presetRepo, mqttAdapter)
	if err != nil {
		return fmt.Errorf("creating preset handler: %w", err)
	}
	presetHandler.SetLogger(log)
	if err := presetHandler.Start(); err != nil {
		return fmt.Errorf("starting preset handler: %w", err)
	}
	log.Info("preset handler started")

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. AVR bridge
	// 2. Receiver session and connection
	// 3. InfluxDB (if enabled)
	// 4. MQTT
	// 5. Database

	log.Info("AVR bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AVRBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("AVRBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startSession dials the receiver's control port and binds a correlation
// session to the connection.
func startSession(ctx context.Context, cfg *config.Config, log *logging.Logger) (*avr.Session, *avr.TCPStream, error) {
	registry, err := avr.NewDefaultRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("building control catalog: %w", err)
	}

	session := avr.NewSession(registry, avr.SessionConfig{
		AdvanceTimeout:        cfg.GetAdvanceTimeout(),
		DisableAdvanceTimeout: cfg.AVR.DisablePacing,
	})
	session.SetLogger(log)

	log.Info("connecting to receiver",
		"host", cfg.AVR.Host,
		"port", cfg.AVR.Port,
	)
	stream, err := avr.Dial(ctx, avr.StreamConfig{
		Host:           cfg.AVR.Host,
		Port:           cfg.AVR.Port,
		ConnectTimeout: cfg.GetConnectTimeout(),
		WriteTimeout:   cfg.GetWriteTimeout(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to receiver: %w", err)
	}

	if err := session.Open(stream); err != nil {
		_ = stream.Close()
		return nil, nil, fmt.Errorf("opening session: %w", err)
	}
	log.Info("receiver session open", "controls", len(registry.IDs()))

	return session, stream, nil
}

// startAVRBridge wires the session, MQTT, and optional history sink into
// the bridge and starts it.
func startAVRBridge(ctx context.Context, cfg *config.Config, session *avr.Session, mqttClient avr.MQTTClient, influxClient *influxdb.Client, log *logging.Logger) (*avr.Bridge, error) {
	opts := avr.BridgeOptions{
		Config: avr.BridgeConfig{
			ID:             cfg.Bridge.ID,
			Version:        version,
			HealthInterval: cfg.GetHealthInterval(),
			ReadAllOnStart: cfg.Bridge.ReadAllOnStart,
		},
		MQTTClient: mqttClient,
		Session:    session,
		Logger:     log,
	}
	// A nil *influxdb.Client inside a non-nil interface would defeat the
	// bridge's nil check, so only assign when history is actually enabled.
	if influxClient != nil {
		opts.History = influxClient
	}

	bridge, err := avr.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating AVR bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting AVR bridge: %w", err)
	}
	log.Info("AVR bridge started", "id", cfg.Bridge.ID)

	return bridge, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when history is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Receiver health is verified during session start - Dial fails fast
	// when the control port is unreachable.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler
// signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements avr.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements avr.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements avr.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements avr.MQTTClient.
// Note: the MQTT client is managed by run's defer chain, so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {
	// No-op: MQTT client lifecycle is managed by run's defer chain
}
