package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const FileName = "ivxp.yml"

// USDC token contracts per supported network.
var USDCContracts = map[string]string{
	"base-mainnet": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// Config models ivxp.yml.
type Config struct {
	Provider struct {
		Name    string `yaml:"name"`
		Network string `yaml:"network"`
	} `yaml:"provider"`
	Chain    ChainConfig              `yaml:"chain"`
	Services map[string]ServiceConfig `yaml:"services"`
	Delivery DeliveryConfig           `yaml:"delivery"`
	Terms    TermsConfig              `yaml:"terms"`
	Server   ServerConfig             `yaml:"server"`
	Store    StoreConfig              `yaml:"store"`
}

type ChainConfig struct {
	RPCURL           string `yaml:"rpc_url"`
	USDCContract     string `yaml:"usdc_contract"`
	MinConfirmations uint64 `yaml:"min_confirmations"`
	TimeoutMS        int    `yaml:"timeout_ms"`
	SkipVerification bool   `yaml:"skip_verification"`
}

type ServiceConfig struct {
	Description   string  `yaml:"description"`
	BasePriceUSDC string  `yaml:"base_price_usdc"`
	DeliveryHours float64 `yaml:"delivery_hours"`
	Handler       string  `yaml:"handler"`
}

type DeliveryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	TimeoutMS      int `yaml:"timeout_ms"`
}

type TermsConfig struct {
	PaymentTimeout int    `yaml:"payment_timeout"`
	RevisionPolicy string `yaml:"revision_policy"`
	RefundPolicy   string `yaml:"refund_policy"`
}

type ServerConfig struct {
	Addr           string  `yaml:"addr"`
	BasePath       string  `yaml:"base_path"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	Workspace string `yaml:"workspace"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ivxp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Name) == "" {
		return fmt.Errorf("config.provider.name is required")
	}
	if _, ok := USDCContracts[c.Provider.Network]; !ok {
		return fmt.Errorf("config.provider.network %q must be base-mainnet or base-sepolia", c.Provider.Network)
	}
	if !c.Chain.SkipVerification {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("config.chain.rpc_url is required unless chain.skip_verification is set")
		}
		if u, err := url.Parse(c.Chain.RPCURL); err != nil || u.Scheme == "" {
			return fmt.Errorf("config.chain.rpc_url %q is not a url", c.Chain.RPCURL)
		}
	}
	if c.Chain.USDCContract != "" && !common.IsHexAddress(c.Chain.USDCContract) {
		return fmt.Errorf("config.chain.usdc_contract %q is not an address", c.Chain.USDCContract)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("config.services must list at least one service")
	}
	for name, svc := range c.Services {
		price, err := decimal.NewFromString(svc.BasePriceUSDC)
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("config.services.%s.base_price_usdc must be a positive decimal", name)
		}
		if svc.DeliveryHours < 0 {
			return fmt.Errorf("config.services.%s.delivery_hours must not be negative", name)
		}
		if svc.Handler == "" {
			return fmt.Errorf("config.services.%s.handler is required", name)
		}
	}
	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("config.delivery.max_retries must be at least 1")
	}
	if c.Delivery.InitialDelayMS < 0 || c.Delivery.TimeoutMS <= 0 {
		return fmt.Errorf("config.delivery timings must be positive")
	}
	if c.Terms.PaymentTimeout <= 0 {
		return fmt.Errorf("config.terms.payment_timeout must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config.store.driver %q must be sqlite or memory", c.Store.Driver)
	}
	return nil
}

// applyDefaults fills zero values so partial files stay usable.
func (c *Config) applyDefaults() {
	if c.Provider.Network == "" {
		c.Provider.Network = "base-sepolia"
	}
	if c.Chain.TimeoutMS == 0 {
		c.Chain.TimeoutMS = 15000
	}
	if c.Chain.MinConfirmations == 0 {
		c.Chain.MinConfirmations = 1
	}
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = 3
	}
	if c.Delivery.InitialDelayMS == 0 {
		c.Delivery.InitialDelayMS = 1000
	}
	if c.Delivery.TimeoutMS == 0 {
		c.Delivery.TimeoutMS = 10000
	}
	if c.Terms.PaymentTimeout == 0 {
		c.Terms.PaymentTimeout = 3600
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:5055"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/ivxp"
	}
	if c.Server.RateLimitRPS == 0 {
		c.Server.RateLimitRPS = 10
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
}

// TokenContract is the configured USDC contract, falling back to the
// canonical deployment for the provider network.
func (c *Config) TokenContract() string {
	if c.Chain.USDCContract != "" {
		return c.Chain.USDCContract
	}
	return USDCContracts[c.Provider.Network]
}

// Price returns the base price of a service.
func (c *Config) Price(service string) (decimal.Decimal, bool) {
	svc, ok := c.Services[service]
	if !ok {
		return decimal.Zero, false
	}
	price, err := decimal.NewFromString(svc.BasePriceUSDC)
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

// ServiceNames returns the configured services in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Terms.PaymentTimeout) * time.Second
}

// Path returns the config path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Template returns the default config file contents.
func Template() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `provider:
  name: ivxp-provider
  network: base-sepolia
chain:
  rpc_url: https://sepolia.base.org
  min_confirmations: 1
  timeout_ms: 15000
  skip_verification: false
services:
  research:
    description: Deep research on a topic with cited findings
    base_price_usdc: "50"
    delivery_hours: 8
    handler: markdown
  debugging:
    description: Diagnose and fix a described bug
    base_price_usdc: "30"
    delivery_hours: 4
    handler: markdown
  code_review:
    description: Review code for correctness and style
    base_price_usdc: "50"
    delivery_hours: 12
    handler: markdown
  consultation:
    description: Architecture or strategy consultation
    base_price_usdc: "25"
    delivery_hours: 2
    handler: markdown
  content:
    description: Long-form written content
    base_price_usdc: "40"
    delivery_hours: 6
    handler: markdown
  philosophy:
    description: A short philosophical reflection
    base_price_usdc: "3"
    delivery_hours: 1
    handler: markdown
  text_echo:
    description: Echoes the request description back
    base_price_usdc: "1"
    delivery_hours: 0
    handler: text_echo
  json_transform:
    description: Normalizes a JSON document in the description
    base_price_usdc: "5"
    delivery_hours: 0
    handler: json_transform
delivery:
  max_retries: 3
  initial_delay_ms: 1000
  timeout_ms: 10000
terms:
  payment_timeout: 3600
  revision_policy: One revision within 24 hours of delivery
  refund_policy: Full refund if delivery fails permanently
server:
  addr: 127.0.0.1:5055
  base_path: /ivxp
  rate_limit_rps: 10
  rate_limit_burst: 20
  max_body_bytes: 1048576
store:
  driver: sqlite
  workspace: .
`
