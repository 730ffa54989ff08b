package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/relayforge/relay-node/config"
	"github.com/relayforge/relay-node/db/metadb"
)

const (
	defaultAPIHost      = "0.0.0.0"
	defaultAPIPort      = 8080
	defaultLogLevel     = "info"
	defaultLogOutput    = "stdout"
	defaultDatadir      = ".relay-node" // Will be prefixed with user's home directory
	defaultDBType       = metadb.TypePebble
	defaultFeePercent   = 120
	defaultGasHeadroom  = 20
	defaultMaxGasLimit  = 10_000_000
	defaultScanInterval = 15 * time.Second
	defaultGraceWindow  = 5 * time.Minute
	defaultPolicyReload = 10 * time.Second
	defaultRelayTimeout = 30 * time.Second
	defaultSignerKind   = "local"
	signerKindLocal     = "local"
	signerKindAWSKMS    = "awskms"
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// Config holds the application configuration
type Config struct {
	Signer   SignerConfig
	API      APIConfig
	Relay    RelayConfig
	Tracker  TrackerConfig
	Policy   PolicyConfig
	Log      LogConfig
	DB       DBConfig
	Datadir  string
	Networks []string                        `mapstructure:"networks"`
	Network  map[string]config.NetworkConfig `mapstructure:"network"`
}

// SignerConfig selects and configures the relayer key.
type SignerConfig struct {
	Kind     string `mapstructure:"kind"`
	PrivKey  string `mapstructure:"privkey"`
	KMSKeyID string `mapstructure:"kmskeyid"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RelayConfig holds submission pipeline tuning.
type RelayConfig struct {
	FeeMultiplierPercent uint64        `mapstructure:"feemultiplier"`
	GasHeadroomPercent   uint64        `mapstructure:"gasheadroom"`
	MaxGasLimit          uint64        `mapstructure:"maxgaslimit"`
	MaxTxValue           string        `mapstructure:"maxtxvalue"`
	MaxWaiters           int64         `mapstructure:"maxwaiters"`
	Timeout              time.Duration `mapstructure:"timeout"`
}

// TrackerConfig holds confirmation tracker tuning.
type TrackerConfig struct {
	ScanInterval time.Duration `mapstructure:"scaninterval"`
	GraceWindow  time.Duration `mapstructure:"gracewindow"`
}

// PolicyConfig holds policy engine tuning.
type PolicyConfig struct {
	ReloadInterval   time.Duration `mapstructure:"reloadinterval"`
	CounterRetention time.Duration `mapstructure:"counterretention"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// DBConfig selects the storage backend.
type DBConfig struct {
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

// loadConfig loads configuration from flags, environment variables, an
// optional config file, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("signer.kind", defaultSignerKind)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("relay.feemultiplier", defaultFeePercent)
	v.SetDefault("relay.gasheadroom", defaultGasHeadroom)
	v.SetDefault("relay.maxgaslimit", defaultMaxGasLimit)
	v.SetDefault("relay.maxtxvalue", "")
	v.SetDefault("relay.maxwaiters", 0)
	v.SetDefault("relay.timeout", defaultRelayTimeout)
	v.SetDefault("policy.counterretention", 0)
	v.SetDefault("tracker.scaninterval", defaultScanInterval)
	v.SetDefault("tracker.gracewindow", defaultGraceWindow)
	v.SetDefault("policy.reloadinterval", defaultPolicyReload)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("db.type", defaultDBType)
	v.SetDefault("db.url", "")
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("networks", []string{"localhost"})

	// Configure flags
	flag.String("signer.kind", defaultSignerKind, "relayer signer kind (local or awskms)")
	flag.StringP("signer.privkey", "k", "", "relayer private key hex (required for the local signer)")
	flag.String("signer.kmskeyid", "", "AWS KMS key id or ARN (required for the awskms signer)")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.StringSliceP("networks", "n", []string{"localhost"},
		fmt.Sprintf("networks to serve %v", config.AvailableNetworks(config.DefaultNetworks)))
	flag.Uint64("relay.feemultiplier", defaultFeePercent, "fee suggestion multiplier in percent")
	flag.Uint64("relay.gasheadroom", defaultGasHeadroom, "gas estimate headroom in percent")
	flag.Uint64("relay.maxgaslimit", defaultMaxGasLimit, "hard ceiling on a request's declared gas limit (0 disables)")
	flag.String("relay.maxtxvalue", "", "hard ceiling on a request's value in wei (empty disables)")
	flag.Int64("relay.maxwaiters", 0, "queued requests per relayer account before rejecting (0 selects the built-in default)")
	flag.Duration("relay.timeout", defaultRelayTimeout, "per-request pipeline timeout")
	flag.Duration("policy.counterretention", 0, "usage counter retention (0 selects the built-in default)")
	flag.Duration("tracker.scaninterval", defaultScanInterval, "pending transaction scan interval")
	flag.Duration("tracker.gracewindow", defaultGraceWindow, "age before a pending transaction is investigated")
	flag.Duration("policy.reloadinterval", defaultPolicyReload, "policy rule reload interval")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.String("db.type", defaultDBType, "database backend (pebble, mongodb or inmemory)")
	flag.String("db.url", "", "database connection URL (mongodb only)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")
	flag.StringP("config", "c", "", "config file with network overrides (yaml)")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "relay-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: relay-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, RELAY_SIGNER_PRIVKEY or RELAY_API_HOST\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Relay on sepolia with a local key\n")
		fmt.Fprintf(os.Stderr, "  relay-node --signer.privkey=0x123... --networks=sepolia\n\n")
		fmt.Fprintf(os.Stderr, "  # Relay with an AWS KMS key\n")
		fmt.Fprintf(os.Stderr, "  relay-node --signer.kind=awskms --signer.kmskeyid=arn:aws:kms:... --networks=sepolia,polygon\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	// Optional config file with per-network overrides
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Create config struct
	cfg := &Config{}

	// Unmarshal configuration into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	switch cfg.Signer.Kind {
	case signerKindLocal:
		if cfg.Signer.PrivKey == "" {
			return fmt.Errorf("private key is required for the local signer (use --signer.privkey or RELAY_SIGNER_PRIVKEY)")
		}
	case signerKindAWSKMS:
		if cfg.Signer.KMSKeyID == "" {
			return fmt.Errorf("KMS key id is required for the awskms signer (use --signer.kmskeyid or RELAY_SIGNER_KMSKEYID)")
		}
	default:
		return fmt.Errorf("unknown signer kind %q (want %s or %s)", cfg.Signer.Kind, signerKindLocal, signerKindAWSKMS)
	}

	if len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network is required")
	}
	for _, name := range cfg.Networks {
		net, err := networkConfig(cfg, name)
		if err != nil {
			return err
		}
		if err := net.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// networkConfig resolves a network entry: the built-in registry merged with
// the config file's overrides.
func networkConfig(cfg *Config, name string) (config.NetworkConfig, error) {
	net, ok := config.DefaultNetworks[name]
	if override, found := cfg.Network[name]; found {
		if override.ChainID != 0 {
			net.ChainID = override.ChainID
		}
		if len(override.RPCEndpoints) > 0 {
			net.RPCEndpoints = override.RPCEndpoints
		}
		if override.ForwarderAddr != "" {
			net.ForwarderAddr = override.ForwarderAddr
		}
		ok = true
	}
	if !ok {
		return config.NetworkConfig{}, fmt.Errorf("unknown network %q, available: %v",
			name, config.AvailableNetworks(config.DefaultNetworks))
	}
	return net, nil
}
