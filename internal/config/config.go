package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Streams  StreamsConfig  `mapstructure:"streams"`
	Archiver ArchiverConfig `mapstructure:"archiver"`
	Joiner   JoinerConfig   `mapstructure:"joiner"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	APIKey     string `mapstructure:"api_key"`
	ClientCode string `mapstructure:"client_code"`
	PIN        string `mapstructure:"pin"`
	TOTP       string `mapstructure:"totp"`
}

type StreamConfig struct {
	Name   string `mapstructure:"name"`
	MaxLen int64  `mapstructure:"maxlen"`
}

type StreamsConfig struct {
	Equity   StreamConfig `mapstructure:"equity"`
	Option   StreamConfig `mapstructure:"option"`
	Greeks   StreamConfig `mapstructure:"greeks"`
	Features StreamConfig `mapstructure:"features"`
}

type ArchiverConfig struct {
	OutDir            string `mapstructure:"out_dir"`
	Group             string `mapstructure:"group"`
	BatchSize         int    `mapstructure:"batch_size"`
	FlushSec          int    `mapstructure:"flush_sec"`
	BlockMs           int    `mapstructure:"block_ms"`
	ReadCount         int64  `mapstructure:"read_count"`
	PartitionBySymbol bool   `mapstructure:"partition_by_symbol"`
	Compression       string `mapstructure:"compression"`
	DeleteAfterAck    bool   `mapstructure:"delete_after_ack"`
}

type JoinerConfig struct {
	Group      string `mapstructure:"group"`
	Consumer   string `mapstructure:"consumer"`
	RefreshSec int    `mapstructure:"refresh_sec"`
	BlockMs    int    `mapstructure:"block_ms"`
	ReadCount  int64  `mapstructure:"read_count"`
}

type FeedConfig struct {
	SymbolsFile    string `mapstructure:"symbols_file"`
	WarmupSec      int    `mapstructure:"warmup_sec"`
	StrikesAround  int    `mapstructure:"strikes_around"`
	MaxSubs        int    `mapstructure:"max_subs"`
	SubscribeBatch int    `mapstructure:"subscribe_batch"`
	Mode           string `mapstructure:"mode"`
}

type PollerConfig struct {
	PollSec        int `mapstructure:"poll_sec"`
	RequestDelayMs int `mapstructure:"request_delay_ms"`
	LatestTTLSec   int `mapstructure:"latest_ttl_sec"`
}

type CatalogConfig struct {
	URL         string `mapstructure:"url"`
	CachePath   string `mapstructure:"cache_path"`
	CacheMaxAge int    `mapstructure:"cache_max_age_hours"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("streams.equity.name", "md:ticks:eq")
	v.SetDefault("streams.equity.maxlen", 3_000_000)
	v.SetDefault("streams.option.name", "md:ticks:opt")
	v.SetDefault("streams.option.maxlen", 8_000_000)
	v.SetDefault("streams.greeks.name", "md:greeks:snap")
	v.SetDefault("streams.greeks.maxlen", 100_000)
	v.SetDefault("streams.features.name", "md:features:opt")
	v.SetDefault("streams.features.maxlen", 500_000)

	v.SetDefault("archiver.out_dir", "data_lake")
	v.SetDefault("archiver.group", "archiver")
	v.SetDefault("archiver.batch_size", 8000)
	v.SetDefault("archiver.flush_sec", 10)
	v.SetDefault("archiver.block_ms", 2000)
	v.SetDefault("archiver.read_count", 1000)
	v.SetDefault("archiver.partition_by_symbol", true)
	v.SetDefault("archiver.compression", "zstd")
	v.SetDefault("archiver.delete_after_ack", false)

	v.SetDefault("joiner.group", "joiner")
	v.SetDefault("joiner.consumer", "joiner-1")
	v.SetDefault("joiner.refresh_sec", 3)
	v.SetDefault("joiner.block_ms", 2000)
	v.SetDefault("joiner.read_count", 500)

	v.SetDefault("feed.symbols_file", "symbols.txt")
	v.SetDefault("feed.warmup_sec", 8)
	v.SetDefault("feed.strikes_around", 0)
	v.SetDefault("feed.max_subs", 950)
	v.SetDefault("feed.subscribe_batch", 50)
	v.SetDefault("feed.mode", "SNAP_QUOTE")

	v.SetDefault("poller.poll_sec", 30)
	v.SetDefault("poller.request_delay_ms", 120)
	v.SetDefault("poller.latest_ttl_sec", 3600)

	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.cache_path", "OpenAPIScripMaster.json")
	v.SetDefault("catalog.cache_max_age_hours", 24)

	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("MDLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Credentials come from env, never from the config file on disk.
	_ = v.BindEnv("broker.api_key", "MDLAKE_BROKER_API_KEY")
	_ = v.BindEnv("broker.client_code", "MDLAKE_BROKER_CLIENT_CODE")
	_ = v.BindEnv("broker.pin", "MDLAKE_BROKER_PIN")
	_ = v.BindEnv("broker.totp", "MDLAKE_BROKER_TOTP")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mdlake")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ValidateBroker gates the roles that need a live broker session.
func (c *Config) ValidateBroker() error {
	if c.Broker.APIKey == "" || c.Broker.ClientCode == "" || c.Broker.PIN == "" || c.Broker.TOTP == "" {
		return fmt.Errorf("broker credentials are required (set MDLAKE_BROKER_API_KEY, MDLAKE_BROKER_CLIENT_CODE, MDLAKE_BROKER_PIN, MDLAKE_BROKER_TOTP)")
	}
	return nil
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Archiver.FlushSec) * time.Second
}

func (c *Config) ArchiverBlock() time.Duration {
	return time.Duration(c.Archiver.BlockMs) * time.Millisecond
}

func (c *Config) JoinerBlock() time.Duration {
	return time.Duration(c.Joiner.BlockMs) * time.Millisecond
}

func (c *Config) CacheRefresh() time.Duration {
	return time.Duration(c.Joiner.RefreshSec) * time.Second
}

func (c *Config) Warmup() time.Duration {
	return time.Duration(c.Feed.WarmupSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.PollSec) * time.Second
}

func (c *Config) RequestDelay() time.Duration {
	return time.Duration(c.Poller.RequestDelayMs) * time.Millisecond
}

func (c *Config) LatestTTL() time.Duration {
	return time.Duration(c.Poller.LatestTTLSec) * time.Second
}

func (c *Config) CatalogMaxAge() time.Duration {
	return time.Duration(c.Catalog.CacheMaxAge) * time.Hour
}

// LoadSymbols reads the watchlist: one symbol per line, uppercased, blank
// lines skipped, duplicates dropped keeping the first occurrence.
func LoadSymbols(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening symbols file: %w", err)
	}
	defer f.Close()

	var out []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		s := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading symbols file: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("symbols file %s is empty", path)
	}
	return out, nil
}
