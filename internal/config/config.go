package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orderkeeper/internal/broker"
	"orderkeeper/internal/broker/kite"
	"orderkeeper/internal/broker/paper"
	"orderkeeper/internal/coordinator"
	"orderkeeper/internal/journal"
	"orderkeeper/internal/notify"
	"orderkeeper/internal/reconciler"
	"orderkeeper/internal/retry"
	"orderkeeper/internal/store"
)

const (
	ModeKite  = "kite"
	ModePaper = "paper"

	EnvKiteAPIKey       = "KITE_API_KEY"
	EnvKiteAccessToken  = "KITE_ACCESS_TOKEN"
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
	EnvPostgresDSN      = "ORDERKEEPER_PG_DSN"

	defaultDataDir = "data"
)

// FileConfig mirrors the YAML config layout. JSON files parse as well.
type FileConfig struct {
	Store       StoreConfig        `yaml:"store"`
	Broker      BrokerConfig       `yaml:"broker"`
	Retry       retry.Policy       `yaml:"retry"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Reconciler  reconciler.Config  `yaml:"reconciler"`
	Journal     JournalConfig      `yaml:"journal"`
	Notify      NotifyConfig       `yaml:"notify"`
	Profiling   ProfilingConfig    `yaml:"profiling"`
}

// StoreConfig selects the ledger backend and the optional audit mirror.
type StoreConfig struct {
	Driver   string               `yaml:"driver"`
	Path     string               `yaml:"path"`
	Postgres store.PostgresOption `yaml:"postgres"`
}

// BrokerConfig selects the broker and tunes the gateway around it.
type BrokerConfig struct {
	Mode        string        `yaml:"mode"`
	Kite        KiteConfig    `yaml:"kite"`
	Paper       paper.Config  `yaml:"paper"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MatchWindow time.Duration `yaml:"match_window"`
}

// KiteConfig holds the Kite Connect endpoint and credentials.
type KiteConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
}

// JournalConfig enables the transition journal when Dir is set.
type JournalConfig struct {
	journal.Config `yaml:",inline"`
	Kafka          journal.KafkaConfig `yaml:"kafka"`
}

// NotifyConfig describes alert channels beyond the process log.
type NotifyConfig struct {
	Telegram notify.TelegramConfig `yaml:"telegram"`
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress   string            `yaml:"server_address"`
	ApplicationName string            `yaml:"application_name"`
	Tags            map[string]string `yaml:"tags"`
}

func (p ProfilingConfig) Enabled() bool {
	return p.ServerAddress != ""
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Store       store.Config
	Postgres    store.PostgresOption
	Broker      BrokerSpec
	Gateway     broker.GatewayConfig
	Coordinator coordinator.Config
	Reconciler  reconciler.Config
	Journal     journal.Config
	Kafka       journal.KafkaConfig
	Telegram    notify.TelegramConfig
	Profiling   ProfilingConfig
}

// BrokerSpec is the resolved broker selection.
type BrokerSpec struct {
	Mode       string
	KiteURL    string
	Credential kite.Credential
	Paper      paper.Config
}

// JournalEnabled reports whether transitions are written to segment files.
func (l Loaded) JournalEnabled() bool {
	return l.Journal.Dir != ""
}

// LookupEnv reads one environment variable.
type LookupEnv func(key string) (string, bool)

// Load reads a config file and resolves it against the process environment.
// An empty path resolves the defaults.
func Load(path string) (Loaded, error) {
	if path == "" {
		return Resolve(FileConfig{}, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Resolve(cfg, os.LookupEnv)
}

// Parse decodes a config document. Unknown fields are rejected.
func Parse(data []byte) (FileConfig, error) {
	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, err
	}
	return cfg, nil
}

// Resolve applies environment overrides and defaults, then validates.
func Resolve(cfg FileConfig, env LookupEnv) (Loaded, error) {
	if env == nil {
		env = func(string) (string, bool) { return "", false }
	}
	override(&cfg.Broker.Kite.APIKey, env, EnvKiteAPIKey)
	override(&cfg.Broker.Kite.AccessToken, env, EnvKiteAccessToken)
	override(&cfg.Notify.Telegram.BotToken, env, EnvTelegramBotToken)
	override(&cfg.Notify.Telegram.ChatID, env, EnvTelegramChatID)
	override(&cfg.Store.Postgres.ConnString, env, EnvPostgresDSN)

	mode := strings.ToLower(strings.TrimSpace(cfg.Broker.Mode))
	if mode == "" {
		mode = ModePaper
	}
	kiteURL := cfg.Broker.Kite.BaseURL
	if kiteURL == "" {
		kiteURL = kite.DefaultBaseURL
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if driver == "" {
		driver = store.DriverFile
	}
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = defaultStorePath(driver)
	}

	loaded := Loaded{
		Store:    store.Config{Driver: driver, Path: storePath},
		Postgres: cfg.Store.Postgres,
		Broker: BrokerSpec{
			Mode:    mode,
			KiteURL: kiteURL,
			Credential: kite.Credential{
				APIKey:      cfg.Broker.Kite.APIKey,
				AccessToken: cfg.Broker.Kite.AccessToken,
			},
			Paper: cfg.Broker.Paper,
		},
		Gateway: broker.GatewayConfig{
			Retry:       cfg.Retry,
			CallTimeout: cfg.Broker.CallTimeout,
			MatchWindow: cfg.Broker.MatchWindow,
		}.WithDefaults(),
		Coordinator: cfg.Coordinator.WithDefaults(),
		Reconciler:  cfg.Reconciler.WithDefaults(),
		Kafka:       cfg.Journal.Kafka,
		Telegram:    cfg.Notify.Telegram,
		Profiling:   cfg.Profiling,
	}
	if cfg.Journal.Dir != "" {
		loaded.Journal = cfg.Journal.Config.WithDefaults()
	}
	if loaded.Profiling.Enabled() && loaded.Profiling.ApplicationName == "" {
		loaded.Profiling.ApplicationName = "orderkeeper"
	}

	if err := loaded.Validate(); err != nil {
		return Loaded{}, err
	}
	return loaded, nil
}

// Validate checks every section.
func (l Loaded) Validate() error {
	switch l.Store.Driver {
	case store.DriverFile, store.DriverBolt, store.DriverSQLite:
	default:
		return fmt.Errorf("invalid store config: unsupported driver %q", l.Store.Driver)
	}
	switch l.Broker.Mode {
	case ModeKite:
		if l.Broker.Credential.APIKey == "" || l.Broker.Credential.AccessToken == "" {
			return fmt.Errorf("invalid broker config: kite requires %s and %s", EnvKiteAPIKey, EnvKiteAccessToken)
		}
	case ModePaper:
		if err := l.Broker.Paper.Faults.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid broker config: unsupported mode %q", l.Broker.Mode)
	}
	if err := l.Gateway.Validate(); err != nil {
		return err
	}
	if err := l.Coordinator.Validate(); err != nil {
		return err
	}
	if err := l.Reconciler.Validate(); err != nil {
		return err
	}
	if l.JournalEnabled() {
		if err := l.Journal.Validate(); err != nil {
			return err
		}
	} else if l.Kafka.Enabled() {
		return fmt.Errorf("invalid journal config: kafka publishing needs a journal dir")
	}
	if (l.Telegram.BotToken == "") != (l.Telegram.ChatID == "") {
		return fmt.Errorf("invalid notify config: telegram needs both bot token and chat id")
	}
	return nil
}

func override(field *string, env LookupEnv, key string) {
	if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
		*field = strings.TrimSpace(v)
	}
}

func defaultStorePath(driver string) string {
	switch driver {
	case store.DriverBolt:
		return filepath.Join(defaultDataDir, "ledger.db")
	case store.DriverSQLite:
		return filepath.Join(defaultDataDir, "ledger.sqlite")
	default:
		return filepath.Join(defaultDataDir, "ledger.json")
	}
}
