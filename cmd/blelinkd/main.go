package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"blelink/internal/gateway"
	"blelink/internal/provision"
	"blelink/internal/radio"
	"blelink/internal/radio/bleradio"
	"blelink/internal/radio/serialradio"
	"blelink/internal/simulator"
	"blelink/internal/store"
	"blelink/internal/supervisor"
	"blelink/internal/web"
)

var version = "dev"

// Config is the daemon configuration, loaded from a yaml file.
type Config struct {
	Radio struct {
		// Type selects the transport: "ble", "serial", "sim" or "offline".
		// "sim" runs a scriptable in-process peripheral behind the real
		// gateway, "offline" skips the gateway entirely.
		Type string `yaml:"type"`

		BLE struct {
			ServiceUUID string `yaml:"service_uuid"`
			WriteChar   string `yaml:"write_char"`
			StatusChar  string `yaml:"status_char"`
			HotspotChar string `yaml:"hotspot_char"`
		} `yaml:"ble"`

		Serial struct {
			Port         string `yaml:"port"`
			Baud         int    `yaml:"baud"`
			PeripheralID string `yaml:"peripheral_id"`
		} `yaml:"serial"`

		Sim struct {
			PeripheralID string `yaml:"peripheral_id"`
			PollOnly     bool   `yaml:"poll_only"`
			ScriptFile   string `yaml:"script_file"`
		} `yaml:"sim"`
	} `yaml:"radio"`

	Gateway struct {
		ConnectionTimeout string `yaml:"connection_timeout"`
		OperationTimeout  string `yaml:"operation_timeout"`
	} `yaml:"gateway"`

	Supervisor struct {
		HeartbeatInterval    string `yaml:"heartbeat_interval"`
		AutoRetryDelay       string `yaml:"auto_retry_delay"`
		AutoRetryMaxAttempts int    `yaml:"auto_retry_max_attempts"`
	} `yaml:"supervisor"`

	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Radio.Type {
	case "ble":
		b := c.Radio.BLE
		if b.ServiceUUID == "" || b.WriteChar == "" || b.StatusChar == "" {
			return errors.New("radio.ble requires service_uuid, write_char and status_char")
		}
	case "serial":
		if c.Radio.Serial.Port == "" {
			return errors.New("radio.serial.port is required")
		}
		if c.Radio.Serial.PeripheralID == "" {
			return errors.New("radio.serial.peripheral_id is required")
		}
	case "sim", "offline":
	case "":
		return errors.New("radio.type is required (ble, serial, sim or offline)")
	default:
		return fmt.Errorf("unknown radio.type %q", c.Radio.Type)
	}
	for name, v := range map[string]string{
		"gateway.connection_timeout":    c.Gateway.ConnectionTimeout,
		"gateway.operation_timeout":     c.Gateway.OperationTimeout,
		"supervisor.heartbeat_interval": c.Supervisor.HeartbeatInterval,
		"supervisor.auto_retry_delay":   c.Supervisor.AutoRetryDelay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}
	if c.Radio.Serial.Baud == 0 {
		c.Radio.Serial.Baud = 115200
	}
	if c.Radio.Sim.PeripheralID == "" {
		c.Radio.Sim.PeripheralID = "SIM-01"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "blelink"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newRadio(cfg *Config, logger *slog.Logger) (radio.Radio, error) {
	switch cfg.Radio.Type {
	case "ble":
		profile := bleradio.Profile{
			ServiceUUID:     cfg.Radio.BLE.ServiceUUID,
			WriteCharUUID:   cfg.Radio.BLE.WriteChar,
			StatusCharUUID:  cfg.Radio.BLE.StatusChar,
			HotspotCharUUID: cfg.Radio.BLE.HotspotChar,
		}
		return bleradio.New(profile, logger)
	case "serial":
		return serialradio.New(serialradio.Config{
			Port:         cfg.Radio.Serial.Port,
			Baud:         cfg.Radio.Serial.Baud,
			PeripheralID: cfg.Radio.Serial.PeripheralID,
		}, logger), nil
	case "sim":
		script := ""
		if cfg.Radio.Sim.ScriptFile != "" {
			data, err := os.ReadFile(cfg.Radio.Sim.ScriptFile)
			if err != nil {
				return nil, fmt.Errorf("read sim script: %w", err)
			}
			script = string(data)
		}
		return simulator.New(simulator.Config{
			PeripheralID: cfg.Radio.Sim.PeripheralID,
			PollOnly:     cfg.Radio.Sim.PollOnly,
			Script:       script,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown radio type %q", cfg.Radio.Type)
	}
}

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(configPath)
	if err != nil {
		bootLogger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info("starting blelinkd", "version", version, "radio", cfg.Radio.Type)

	var (
		prov      provision.Provisioner
		forgetter supervisor.PeripheralForgetter
	)
	if cfg.Radio.Type == "offline" {
		sim := provision.NewSimulated()
		prov = sim
		forgetter = sim
	} else {
		rd, err := newRadio(cfg, logger)
		if err != nil {
			logger.Error("radio init failed", "error", err)
			os.Exit(1)
		}
		gw := gateway.New(rd, gateway.Config{
			ConnectionTimeout: duration(cfg.Gateway.ConnectionTimeout, gateway.DefaultConnectionTimeout),
			OperationTimeout:  duration(cfg.Gateway.OperationTimeout, gateway.DefaultOperationTimeout),
		}, logger)
		prov = provision.NewGatewayProvisioner(gw, logger)
		forgetter = gw
	}

	sup := supervisor.New(prov, forgetter, supervisor.Config{
		HeartbeatInterval:    duration(cfg.Supervisor.HeartbeatInterval, supervisor.DefaultHeartbeatInterval),
		AutoRetryDelay:       duration(cfg.Supervisor.AutoRetryDelay, supervisor.DefaultAutoRetryDelay),
		AutoRetryMaxAttempts: cfg.Supervisor.AutoRetryMaxAttempts,
	}, logger)
	defer sup.Close()

	serverOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithAPIKey(cfg.Web.APIKey),
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("store open failed", "error", err, "path", cfg.Store.Path)
			os.Exit(1)
		}
		defer st.Close()
		serverOpts = append(serverOpts, web.WithPairingStore(st))
	}

	server := web.NewServer(sup, logger, serverOpts...)
	defer server.Stop()

	mqttStop := initMQTT(sup, cfg, logger)
	defer mqttStop.stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}
