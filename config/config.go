package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tcriess/orgchat/globals"
)

const (
	defaultAddr               = "localhost:8000"
	defaultStoreType          = "buntdb"
	defaultStoreDSN           = "orgchat.db"
	defaultRedisChannel       = "orgchat:changes"
	defaultDeletedPlaceholder = "This message was deleted"
	defaultTypingWindow       = 3 * time.Second
	defaultTypingRetention    = time.Minute
	defaultTypingCleanupCron  = "@every 1m"
	defaultFeedSize           = 20
	defaultSendRate           = 5.0
	defaultSendBurst          = 10
	defaultFilterCacheSize    = 128
)

// Config is the global configuration object which is filled via the configuration file, the environment
// (prefix ORGCHAT_) and the command line flags.
type Config struct {
	LogLevel            string              `mapstructure:"log_level"`
	Addr                string              `mapstructure:"addr"`
	StoreConfig         StoreConfig         `mapstructure:"store"`
	RedisConfig         RedisConfig         `mapstructure:"redis"`
	ChatConfig          ChatConfig          `mapstructure:"chat"`
	NotificationsConfig NotificationsConfig `mapstructure:"notifications"`
	PresenceConfig      PresenceConfig      `mapstructure:"presence"`
	GatewayConfig       GatewayConfig       `mapstructure:"gateway"`
	OIDCConfigs         []OIDCConfig        `mapstructure:"oidc"`
}

// StoreConfig selects the backend of the realtime tree. Type is one of "buntdb", "sqlite" or "postgres".
// For buntdb the DSN is a file name or ":memory:".
type StoreConfig struct {
	Type      string `mapstructure:"type"`
	DSN       string `mapstructure:"dsn"`
	FlockPath string `mapstructure:"flock_path"` // buntdb only, defaults to <dsn>.lock
}

// RedisConfig enables cross-instance change notifications. An empty URL keeps notifications in-process.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type ChatConfig struct {
	DeletedPlaceholder string        `mapstructure:"deleted_placeholder"`
	TypingWindow       time.Duration `mapstructure:"typing_window"`
	TypingRetention    time.Duration `mapstructure:"typing_retention"`
	TypingCleanupCron  string        `mapstructure:"typing_cleanup_cron"`
}

type NotificationsConfig struct {
	FeedSize int `mapstructure:"feed_size"`
}

// PresenceConfig: a StaleAfter of 0 keeps the plain online flag semantics (no expiry).
type PresenceConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// GatewayConfig configures the websocket/REST surface. RoomFilter is an optional expr expression evaluated
// per user and room, only rooms passing the filter are delivered to that user.
type GatewayConfig struct {
	RoomFilter      string   `mapstructure:"room_filter"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	SendRate        float64  `mapstructure:"send_rate"`
	SendBurst       int      `mapstructure:"send_burst"`
	FilterCacheSize int      `mapstructure:"filter_cache_size"`
}

// An OIDCConfig object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	flagSet.String("addr", "", "service address (including port)")
	flagSet.String("store.type", "", "store backend: buntdb, sqlite or postgres")
	flagSet.String("store.dsn", "", "store dsn (file name for buntdb)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("addr", defaultAddr)
	v.SetDefault("store.type", defaultStoreType)
	v.SetDefault("store.dsn", defaultStoreDSN)
	v.SetDefault("redis.channel", defaultRedisChannel)
	v.SetDefault("chat.deleted_placeholder", defaultDeletedPlaceholder)
	v.SetDefault("chat.typing_window", defaultTypingWindow)
	v.SetDefault("chat.typing_retention", defaultTypingRetention)
	v.SetDefault("chat.typing_cleanup_cron", defaultTypingCleanupCron)
	v.SetDefault("notifications.feed_size", defaultFeedSize)
	v.SetDefault("presence.stale_after", time.Duration(0))
	v.SetDefault("gateway.allowed_origins", []string{"*"})
	v.SetDefault("gateway.send_rate", defaultSendRate)
	v.SetDefault("gateway.send_burst", defaultSendBurst)
	v.SetDefault("gateway.filter_cache_size", defaultFilterCacheSize)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. Flags in flagSet
// that were set explicitly take precedence. flagSet may be nil.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("ORGCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		contents, err := readConfigFiles(configPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, fmt.Errorf("could not read config %s: %w", configPath, err)
		}
	}
	cfg := Config{}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	cfg.applyFallbacks()

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}

func readConfigFiles(configPath string) ([]byte, error) {
	fi, err := os.Stat(configPath)
	if err != nil {
		return nil, err
	}
	contents := make([]byte, 0)
	files := []string{configPath}
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
		if err != nil {
			return nil, err
		}
	}
	for _, configFile := range files {
		fileContents, err := ioutil.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		contents = append(contents, fileContents...)
		contents = append(contents, '\n')
	}
	return contents, nil
}

// applyFallbacks replaces invalid values that would break the services with their defaults.
func (c *Config) applyFallbacks() {
	if c.ChatConfig.TypingWindow <= 0 {
		c.ChatConfig.TypingWindow = defaultTypingWindow
	}
	if c.NotificationsConfig.FeedSize <= 0 {
		c.NotificationsConfig.FeedSize = defaultFeedSize
	}
	if c.GatewayConfig.SendBurst <= 0 {
		c.GatewayConfig.SendBurst = defaultSendBurst
	}
	if c.GatewayConfig.FilterCacheSize <= 0 {
		c.GatewayConfig.FilterCacheSize = defaultFilterCacheSize
	}
	if c.StoreConfig.Type == "buntdb" && c.StoreConfig.FlockPath == "" && c.StoreConfig.DSN != ":memory:" {
		c.StoreConfig.FlockPath = c.StoreConfig.DSN + ".lock"
	}
}
