package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	CORS       CORSConfig       `yaml:"cors"`
	Blockchain BlockchainConfig `yaml:"blockchain"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Settlement SettlementConfig `yaml:"settlement"`
	Admin      AdminConfig      `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig message bus configuration; empty URL disables publishing
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// BlockchainConfig per-network RPC and signing configuration
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig a single chain the relayer talks to
type NetworkConfig struct {
	ChainID      int64    `yaml:"chainId"`
	Name         string   `yaml:"name"`
	RPCEndpoints []string `yaml:"rpcEndpoints"`
	PrivateKey   string   `yaml:"privateKey"` // hex, no 0x prefix; RELAYER_PRIVATE_KEY overrides
	GasLimit     uint64   `yaml:"gasLimit"`
	Enabled      bool     `yaml:"enabled"`
}

// BridgeConfig external bridge API configuration
type BridgeConfig struct {
	LiFiBaseURL     string  `yaml:"lifi_base_url"`
	DeBridgeBaseURL string  `yaml:"debridge_base_url"`
	APIKey          string  `yaml:"api_key"` // LIFI_API overrides
	Integrator      string  `yaml:"integrator"`
	Slippage        float64 `yaml:"slippage"`

	StatusTimeoutSec int `yaml:"status_timeout_sec"` // total wait for bridge DONE
	StatusPollSec    int `yaml:"status_poll_sec"`    // poll interval
	KeepAliveEveryN  int `yaml:"keepalive_every_n"`  // lease renewal every N polls
}

// SettlementConfig fixed destination constants and pipeline tuning.
// The destination side of every deposit is pinned here; progress intake
// rejects facts that disagree with these values.
type SettlementConfig struct {
	DomainName    string `yaml:"domain_name"`
	DomainVersion string `yaml:"domain_version"`

	SourceChainIDs   []int64 `yaml:"source_chain_ids"`
	DestinationChain int64   `yaml:"destination_chain"`
	AccountingChain  int64   `yaml:"accounting_chain"`

	DestinationToken    string `yaml:"destination_token"`    // bridged asset on the destination chain
	DestinationReceiver string `yaml:"destination_receiver"` // bridge recipient, usually the relayer EOA
	DestinationVault    string `yaml:"destination_vault"`    // ERC-4626 vault
	SafeVault           string `yaml:"safe_vault"`           // multisig holding the vault shares
	RewardsVault        string `yaml:"rewards_vault"`        // receipt token vault on the accounting chain

	AssetDecimals int `yaml:"asset_decimals"` // bridged asset, typically 6
	ShareDecimals int `yaml:"share_decimals"` // receipt shares, fixed 18

	ConfirmationDepth   int `yaml:"confirmation_depth"`
	LeaseTTLSec         int `yaml:"lease_ttl_sec"`
	WithdrawLeaseTTLSec int `yaml:"withdraw_lease_ttl_sec"`
	BalanceWaitSec      int `yaml:"balance_wait_sec"`
	BalancePollSec      int `yaml:"balance_poll_sec"`

	StaleRetryEnabled     bool `yaml:"stale_retry_enabled"`
	StaleRetryIntervalSec int  `yaml:"stale_retry_interval_sec"`
}

// AdminConfig admin API access control; secrets come from the environment
type AdminConfig struct {
	JWTSecret  string   `yaml:"-"` // ADMIN_JWT_SECRET
	Password   string   `yaml:"-"` // ADMIN_PASSWORD
	TOTPSecret string   `yaml:"-"` // ADMIN_TOTP_SECRET
	Username   string   `yaml:"username"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// Load reads the YAML configuration file, applies environment overrides and
// fills defaults. Secrets are never read from the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if key := os.Getenv("LIFI_API"); key != "" {
		c.Bridge.APIKey = key
	}
	if pk := normalizePrivateKey(os.Getenv("RELAYER_PRIVATE_KEY")); pk != "" {
		for name, network := range c.Blockchain.Networks {
			network.PrivateKey = pk
			c.Blockchain.Networks[name] = network
		}
	}
	c.Admin.JWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	c.Admin.Password = os.Getenv("ADMIN_PASSWORD")
	c.Admin.TOTPSecret = os.Getenv("ADMIN_TOTP_SECRET")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "yldr"
	}
	if c.Bridge.LiFiBaseURL == "" {
		c.Bridge.LiFiBaseURL = "https://li.quest/v1"
	}
	if c.Bridge.DeBridgeBaseURL == "" {
		c.Bridge.DeBridgeBaseURL = "https://api.dln.trade/v1.0"
	}
	if c.Bridge.Integrator == "" {
		c.Bridge.Integrator = "yldr"
	}
	if c.Bridge.Slippage == 0 {
		c.Bridge.Slippage = 0.003
	}
	if c.Bridge.StatusTimeoutSec == 0 {
		c.Bridge.StatusTimeoutSec = 12 * 60
	}
	if c.Bridge.StatusPollSec == 0 {
		c.Bridge.StatusPollSec = 6
	}
	if c.Bridge.KeepAliveEveryN == 0 {
		c.Bridge.KeepAliveEveryN = 5
	}
	if c.Settlement.DomainName == "" {
		c.Settlement.DomainName = "YLDR"
	}
	if c.Settlement.DomainVersion == "" {
		c.Settlement.DomainVersion = "1"
	}
	if c.Settlement.AssetDecimals == 0 {
		c.Settlement.AssetDecimals = 6
	}
	if c.Settlement.ShareDecimals == 0 {
		c.Settlement.ShareDecimals = 18
	}
	if c.Settlement.ConfirmationDepth == 0 {
		c.Settlement.ConfirmationDepth = 3
	}
	if c.Settlement.LeaseTTLSec == 0 {
		c.Settlement.LeaseTTLSec = 60
	}
	if c.Settlement.WithdrawLeaseTTLSec == 0 {
		c.Settlement.WithdrawLeaseTTLSec = 10 * 60
	}
	if c.Settlement.BalanceWaitSec == 0 {
		c.Settlement.BalanceWaitSec = 90
	}
	if c.Settlement.BalancePollSec == 0 {
		c.Settlement.BalancePollSec = 3
	}
	if c.Settlement.StaleRetryIntervalSec == 0 {
		c.Settlement.StaleRetryIntervalSec = 30
	}
	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if len(c.Blockchain.Networks) == 0 {
		return fmt.Errorf("at least one blockchain network must be configured")
	}
	if c.Settlement.DestinationChain == 0 {
		return fmt.Errorf("settlement.destination_chain is required")
	}
	if c.Settlement.AccountingChain == 0 {
		return fmt.Errorf("settlement.accounting_chain is required")
	}
	for _, field := range []struct{ name, value string }{
		{"settlement.destination_token", c.Settlement.DestinationToken},
		{"settlement.destination_vault", c.Settlement.DestinationVault},
		{"settlement.safe_vault", c.Settlement.SafeVault},
		{"settlement.rewards_vault", c.Settlement.RewardsVault},
	} {
		if field.value == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}
	return nil
}

// LeaseTTL returns the deposit lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Settlement.LeaseTTLSec) * time.Second
}

// WithdrawLeaseTTL returns the withdraw lease duration.
func (c *Config) WithdrawLeaseTTL() time.Duration {
	return time.Duration(c.Settlement.WithdrawLeaseTTLSec) * time.Second
}

// IsSourceChain reports whether chainID is an allowed deposit source.
func (c *Config) IsSourceChain(chainID int64) bool {
	for _, id := range c.Settlement.SourceChainIDs {
		if id == chainID {
			return true
		}
	}
	return false
}

// normalizePrivateKey strips quotes and the 0x prefix from a key read from
// the environment; deployments wrap the value inconsistently.
func normalizePrivateKey(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `'"`)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return s
}
