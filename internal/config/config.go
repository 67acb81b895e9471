package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/ArkLabsHQ/tidal/internal/core/application"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const envPrefix = "TIDAL"

// Keys under the TIDAL_ prefix.
const (
	Datadir                 = "DATADIR"
	DbType                  = "DB_TYPE"
	LogLevel                = "LOG_LEVEL"
	Network                 = "NETWORK"
	EsploraURL              = "ESPLORA_URL"
	EvmRpcURL               = "EVM_RPC_URL"
	EvmChainID              = "EVM_CHAIN_ID"
	EvmEscrowContract       = "EVM_ESCROW_CONTRACT"
	EvmSpvContract          = "EVM_SPV_CONTRACT"
	EvmNativeToken          = "EVM_NATIVE_TOKEN"
	EvmPollInterval         = "EVM_POLL_INTERVAL"
	Mnemonic                = "MNEMONIC"
	MnemonicPassword        = "MNEMONIC_PASSWORD"
	Intermediaries          = "INTERMEDIARIES"
	PriceApiURL             = "PRICE_API_URL"
	PriceCacheTTL           = "PRICE_CACHE_TTL"
	QuoteWindow             = "QUOTE_WINDOW"
	MaxPriceDifferencePPM   = "MAX_PRICE_DIFFERENCE_PPM"
	MaxConfirmations        = "MAX_CONFIRMATIONS"
	TickInterval            = "TICK_INTERVAL"
	BtcPollInterval         = "BTC_POLL_INTERVAL"
	RegistryRefreshInterval = "REGISTRY_REFRESH_INTERVAL"
	SyncInterval            = "SYNC_INTERVAL"
	LpRateLimit             = "LP_RATE_LIMIT"
	MetricsPort             = "METRICS_PORT"
	OtelCollectorURL        = "OTEL_COLLECTOR_URL"
	OtelPushInterval        = "OTEL_PUSH_INTERVAL"
	PyroscopeServerURL      = "PYROSCOPE_SERVER_URL"
)

const (
	DefaultDatadir                 = "tidal"
	DefaultDbType                  = "badger"
	DefaultLogLevel                = 4
	DefaultNetwork                 = "bitcoin"
	DefaultEvmChainID              = 1
	DefaultEvmPollInterval         = 5
	DefaultPriceCacheTTL           = 30
	DefaultQuoteWindow             = 2000
	DefaultMaxPriceDifferencePPM   = 10000
	DefaultMaxConfirmations        = 12
	DefaultTickInterval            = 1
	DefaultBtcPollInterval         = 120
	DefaultRegistryRefreshInterval = 300
	DefaultSyncInterval            = 60
	DefaultLpRateLimit             = 5
	DefaultOtelPushInterval        = 10
)

var supportedDbs = map[string]bool{"badger": true, "sqlite": true}

type Config struct {
	Datadir  string `mapstructure:"DATADIR" envDefault:"tidal"`
	DbType   string `mapstructure:"DB_TYPE" envDefault:"badger"`
	LogLevel uint32 `mapstructure:"LOG_LEVEL" envDefault:"4"`
	Network  string `mapstructure:"NETWORK" envDefault:"bitcoin"`

	EsploraURL        string `mapstructure:"ESPLORA_URL"`
	EvmRpcURL         string `mapstructure:"EVM_RPC_URL"`
	EvmChainID        uint64 `mapstructure:"EVM_CHAIN_ID" envDefault:"1"`
	EvmEscrowContract string `mapstructure:"EVM_ESCROW_CONTRACT"`
	EvmSpvContract    string `mapstructure:"EVM_SPV_CONTRACT"`
	EvmNativeToken    string `mapstructure:"EVM_NATIVE_TOKEN"`
	EvmPollInterval   uint32 `mapstructure:"EVM_POLL_INTERVAL" envDefault:"5"`
	Mnemonic          string `mapstructure:"MNEMONIC"`
	MnemonicPassword  string `mapstructure:"MNEMONIC_PASSWORD"`

	Intermediaries string  `mapstructure:"INTERMEDIARIES"`
	LpRateLimit    float64 `mapstructure:"LP_RATE_LIMIT" envDefault:"5"`
	PriceApiURL    string  `mapstructure:"PRICE_API_URL"`
	PriceCacheTTL  uint32  `mapstructure:"PRICE_CACHE_TTL" envDefault:"30"`

	QuoteWindow             uint32 `mapstructure:"QUOTE_WINDOW" envDefault:"2000"`
	MaxPriceDifferencePPM   uint64 `mapstructure:"MAX_PRICE_DIFFERENCE_PPM" envDefault:"10000"`
	MaxConfirmations        uint32 `mapstructure:"MAX_CONFIRMATIONS" envDefault:"12"`
	TickInterval            uint32 `mapstructure:"TICK_INTERVAL" envDefault:"1"`
	BtcPollInterval         uint32 `mapstructure:"BTC_POLL_INTERVAL" envDefault:"120"`
	RegistryRefreshInterval uint32 `mapstructure:"REGISTRY_REFRESH_INTERVAL" envDefault:"300"`
	SyncInterval            uint32 `mapstructure:"SYNC_INTERVAL" envDefault:"60"`

	MetricsPort        uint32 `mapstructure:"METRICS_PORT"`
	OtelCollectorURL   string `mapstructure:"OTEL_COLLECTOR_URL"`
	OtelPushInterval   uint32 `mapstructure:"OTEL_PUSH_INTERVAL" envDefault:"10"`
	PyroscopeServerURL string `mapstructure:"PYROSCOPE_SERVER_URL"`

	network *chaincfg.Params
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("error setting default config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := config.initDatadir(); err != nil {
		return nil, fmt.Errorf("error initializing data directory: %w", err)
	}

	return &config, nil
}

// Validate checks the settings needed to run the swapper.
func (c *Config) Validate() error {
	if !supportedDbs[c.DbType] {
		return fmt.Errorf("unsupported db type: %s", c.DbType)
	}

	net, err := utils.NetworkParams(c.Network)
	if err != nil {
		return err
	}
	c.network = net

	for name, raw := range map[string]string{
		EsploraURL: c.EsploraURL, EvmRpcURL: c.EvmRpcURL, PriceApiURL: c.PriceApiURL,
	} {
		if raw == "" {
			return fmt.Errorf("missing %s", name)
		}
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid %s: %s", name, err)
		}
	}

	if c.EvmChainID == 0 {
		return fmt.Errorf("invalid %s", EvmChainID)
	}
	if !common.IsHexAddress(c.EvmEscrowContract) {
		return fmt.Errorf("invalid %s %q", EvmEscrowContract, c.EvmEscrowContract)
	}
	if c.EvmSpvContract != "" && !common.IsHexAddress(c.EvmSpvContract) {
		return fmt.Errorf("invalid %s %q", EvmSpvContract, c.EvmSpvContract)
	}
	if c.EvmNativeToken != "" && !common.IsHexAddress(c.EvmNativeToken) {
		return fmt.Errorf("invalid %s %q", EvmNativeToken, c.EvmNativeToken)
	}
	if strings.TrimSpace(c.Mnemonic) == "" {
		return fmt.Errorf("missing %s", Mnemonic)
	}
	if len(c.IntermediaryURLs()) == 0 {
		return fmt.Errorf("missing %s", Intermediaries)
	}
	if c.LpRateLimit <= 0 {
		return fmt.Errorf("invalid %s", LpRateLimit)
	}
	if c.MaxPriceDifferencePPM > 1_000_000 {
		return fmt.Errorf("%s must be at most 1000000", MaxPriceDifferencePPM)
	}
	return nil
}

func (c *Config) NetworkParams() *chaincfg.Params {
	return c.network
}

// ChainIdentifier names the configured EVM chain in swaps.
func (c *Config) ChainIdentifier() string {
	return fmt.Sprintf("EVM-%d", c.EvmChainID)
}

func (c *Config) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.EvmChainID)
}

func (c *Config) IntermediaryURLs() []string {
	urls := make([]string, 0)
	for _, u := range strings.Split(c.Intermediaries, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *Config) SwapOptions() application.Options {
	return application.Options{
		QuoteWindow:      time.Duration(c.QuoteWindow) * time.Millisecond,
		MaxConfirmations: c.MaxConfirmations,
		BtcPollInterval:  seconds(c.BtcPollInterval),
	}
}

func (c *Config) TickDuration() time.Duration            { return seconds(c.TickInterval) }
func (c *Config) RegistryRefreshDuration() time.Duration { return seconds(c.RegistryRefreshInterval) }
func (c *Config) SyncDuration() time.Duration            { return seconds(c.SyncInterval) }
func (c *Config) PriceCacheDuration() time.Duration      { return seconds(c.PriceCacheTTL) }
func (c *Config) EvmPollDuration() time.Duration         { return seconds(c.EvmPollInterval) }
func (c *Config) OtelPushDuration() time.Duration        { return seconds(c.OtelPushInterval) }

func (c *Config) DbDir() string {
	return filepath.Join(c.Datadir, "db")
}

func (c *Config) initDatadir() error {
	if c.Datadir == DefaultDatadir {
		c.Datadir = appDatadir(DefaultDatadir, false)
	} else {
		c.Datadir = cleanAndExpandPath(c.Datadir)
	}
	return makeDirectoryIfNotExists(c.DbDir())
}

func seconds(n uint32) time.Duration {
	return time.Duration(n) * time.Second
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		if def := f.Tag.Get("envDefault"); def != "" {
			v.SetDefault(key, def)
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("error binding env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

// appDatadir returns an operating system specific directory to be used for
// storing application data.
func appDatadir(appName string, roaming bool) string {
	if appName == "" || appName == "." {
		return "."
	}

	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(unicode.ToUpper(rune(appName[0]))) + appName[1:]
	appNameLower := string(unicode.ToLower(rune(appName[0]))) + appName[1:]

	var homeDir string
	usr, err := user.Current()
	if err == nil {
		homeDir = usr.HomeDir
	}
	if err != nil || homeDir == "" {
		homeDir = os.Getenv("HOME")
	}

	switch runtime.GOOS {
	case "windows":
		// Windows XP and before didn't have a LOCALAPPDATA.
		appData := os.Getenv("LOCALAPPDATA")
		if roaming || appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}
	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library", "Application Support", appNameUpper)
		}
	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appNameLower)
		}
	}
	return "."
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
