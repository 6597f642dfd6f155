// Package config provides application configuration structures and helpers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoListeningPort = errors.New("listeningPort is mandatory")
var ErrNoExecPath = errors.New("execPath is mandatory")

// Interval bounds. Values below the minimum are clamped up, never left
// negative; zero disables the optional telemetry cadences.
const (
	DefaultListeningInterval = 1000 * time.Millisecond
	MinListeningInterval     = 500 * time.Millisecond
	DefaultTelemetryInterval = 60 * time.Second
	MinTelemetryInterval     = 5 * time.Second
)

// DaemonConfig holds the validated configuration of one daemon instance.
type DaemonConfig struct {
	Name string // derived from the config file base name
	Path string // config file path, echoed by the status command

	ListeningPort     int
	ExecPath          string
	ListeningInterval time.Duration
	MessagingInterval time.Duration // 0 disables the messaging advertisements
	HttpingInterval   time.Duration // 0 disables the HTTP push advertisements
	TextingInterval   time.Duration // 0 disables the text-file advertisements
	Enabled           bool

	Dummy  bool // log-only mode: every external side effect becomes a no-op
	Logger *zap.SugaredLogger
}

// NewLogger builds the process logger. Dummy mode lowers verbosity gates so
// would-be actions are visible.
func NewLogger(dummy bool) *zap.SugaredLogger {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout"}
	if dummy {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zap.Must(logCfg.Build()).Sugar()
}

// NewDaemonConfig loads and validates a daemon configuration file. In normal
// mode missing mandatory fields are a hard error; in dummy mode they degrade
// to warnings since no real side effects will occur.
func NewDaemonConfig(path string, dummy bool, logger *zap.SugaredLogger) (*DaemonConfig, error) {
	js, err := loadDaemonJSON(path)
	if err != nil {
		return nil, fmt.Errorf("load daemon config: %w", err)
	}

	cfg := &DaemonConfig{
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:    path,
		Enabled: true,
		Dummy:   dummy,
		Logger:  logger,
	}

	if js.ListeningPort != nil {
		cfg.ListeningPort = *js.ListeningPort
	}
	if js.ExecPath != nil {
		cfg.ExecPath = *js.ExecPath
	}
	if js.Enabled != nil {
		cfg.Enabled = *js.Enabled
	}

	cfg.ListeningInterval = clampInterval(logger, "listeningInterval", js.ListeningInterval,
		DefaultListeningInterval, MinListeningInterval, false)
	cfg.MessagingInterval = clampInterval(logger, "messagingInterval", js.MessagingInterval,
		DefaultTelemetryInterval, MinTelemetryInterval, true)
	cfg.HttpingInterval = clampInterval(logger, "httpingInterval", js.HttpingInterval,
		DefaultTelemetryInterval, MinTelemetryInterval, true)
	cfg.TextingInterval = clampInterval(logger, "textingInterval", js.TextingInterval,
		DefaultTelemetryInterval, MinTelemetryInterval, true)

	readDaemonEnvironment(cfg)

	if err := cfg.validate(); err != nil {
		if !cfg.Dummy {
			return nil, err
		}
		logger.Warnf("configuration problem tolerated in dummy mode: %v", err)
	}

	return cfg, nil
}

func (cfg *DaemonConfig) validate() error {
	if cfg.ListeningPort <= 0 {
		return fmt.Errorf("%s: %w", cfg.Path, ErrNoListeningPort)
	}
	if cfg.ExecPath == "" {
		return fmt.Errorf("%s: %w", cfg.Path, ErrNoExecPath)
	}
	return nil
}

// clampInterval converts a millisecond JSON value into a duration, applying
// the default when absent and the minimum when configured too low.
func clampInterval(logger *zap.SugaredLogger, field string, ms *int, def, min time.Duration, zeroDisables bool) time.Duration {
	if ms == nil {
		return def
	}
	v := time.Duration(*ms) * time.Millisecond
	if zeroDisables && v == 0 {
		return 0
	}
	if v < min {
		logger.Warnf("%s %s below minimum, clamped to %s", field, v, min)
		return min
	}
	return v
}

func readDaemonEnvironment(cfg *DaemonConfig) {
	dummyEnv := os.Getenv("OPSD_DUMMY")
	if dummyEnv != "" {
		v, err := strconv.ParseBool(dummyEnv)
		if err == nil {
			cfg.Dummy = v
		} else {
			cfg.Logger.Warnf("invalid OPSD_DUMMY env var: %v", err)
		}
	}

	portEnv := os.Getenv("OPSD_LISTENING_PORT")
	if portEnv != "" {
		v, err := strconv.Atoi(portEnv)
		if err == nil {
			cfg.ListeningPort = v
		} else {
			cfg.Logger.Warnf("invalid OPSD_LISTENING_PORT env var: %v", err)
		}
	}
}
