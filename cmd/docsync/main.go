package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/drpcorg/docsync"
	"github.com/drpcorg/docsync/remote"
	"github.com/drpcorg/docsync/utils"
	"github.com/lightningnetwork/lnd/clock"
	"gopkg.in/yaml.v3"
)

// Config is the YAML client configuration.
type Config struct {
	Store  string `yaml:"store"`
	User   string `yaml:"user"`
	Addr   string `yaml:"addr"`
	Secret string `yaml:"secret"`
	// Serve starts the loopback emulator on this address before the
	// client connects; a local development backend in one process.
	Serve string `yaml:"serve"`

	InsecureTLS bool   `yaml:"insecure_tls"`
	LogLevel    string `yaml:"log_level"`

	CacheSizeBytes    int64         `yaml:"cache_size_bytes"`
	GCInterval        time.Duration `yaml:"gc_interval"`
	BackfillInterval  time.Duration `yaml:"backfill_interval"`
	BackfillBatchSize int           `yaml:"backfill_batch_size"`
	AutoIndexing      bool          `yaml:"auto_indexing"`
}

func loadConfig(path string) (Config, error) {
	cfg := Config{AutoIndexing: true}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(raw, &cfg)
	return cfg, err
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "backend address (overrides config)")
	user := flag.String("user", "", "user id (overrides config)")
	store := flag.String("store", "", "store directory, empty for in-memory (overrides config)")
	serve := flag.String("serve", "", "run the loopback emulator on this address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *user != "" {
		cfg.User = *user
	}
	if *store != "" {
		cfg.Store = *store
	}
	if *serve != "" {
		cfg.Serve = *serve
	}

	var tlsConfig *tls.Config
	if cfg.InsecureTLS {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	log := utils.NewDefaultLogger(logLevel(cfg.LogLevel))

	if cfg.Serve != "" {
		var secret []byte
		if cfg.Secret != "" {
			secret = []byte(cfg.Secret)
		}
		em := remote.NewEmulator(log, clock.NewDefaultClock(), secret, tlsConfig)
		if err := em.Listen(context.Background(), cfg.Serve); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = em.Close() }()
		if cfg.Addr == "" {
			cfg.Addr = cfg.Serve
		}
	}

	client, err := docsync.Open(context.Background(), docsync.Options{
		Path:              cfg.Store,
		UserID:            cfg.User,
		Addr:              cfg.Addr,
		Secret:            []byte(cfg.Secret),
		TLSConfig:         tlsConfig,
		CacheSizeBytes:    cfg.CacheSizeBytes,
		GCInterval:        cfg.GCInterval,
		BackfillInterval:  cfg.BackfillInterval,
		BackfillBatchSize: cfg.BackfillBatchSize,
		AutoIndexing:      cfg.AutoIndexing,
		Logger:            log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}

	repl := &REPL{client: client}
	if err := repl.Open(); err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		_ = client.Close()
		os.Exit(1)
	}
	repl.Loop()
	_ = repl.Close()
	if err := client.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(1)
	}
}
