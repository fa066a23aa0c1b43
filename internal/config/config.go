package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models payline.yml.
type Config struct {
	Service struct {
		Currency         string `yaml:"currency"`
		RevokeWindowSecs int    `yaml:"revoke_window_seconds"`
		ExpirySweepSecs  int    `yaml:"expiry_sweep_seconds"`
		BasePath         string `yaml:"base_path"`
	} `yaml:"service"`
	Fees struct {
		OnrampFeeBps  int64 `yaml:"onramp_fee_bps"`
		OfframpFeeBps int64 `yaml:"offramp_fee_bps"`
		SplitFeeBps   int64 `yaml:"split_fee_bps"`
		MinSplitFee   int64 `yaml:"min_split_fee"`
	} `yaml:"fees"`
	Templates map[string]Template `yaml:"templates"`
	Webhooks  []Webhook           `yaml:"webhooks"`
}

// Template is a system split plan seeded at startup, keyed by product type.
type Template struct {
	Name  string         `yaml:"name"`
	Rules []TemplateRule `yaml:"rules"`
}

type TemplateRule struct {
	Role      string `yaml:"role"`
	Recipient string `yaml:"recipient"`
	ShareBps  int64  `yaml:"share_bps"`
	Source    string `yaml:"source"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Currency == "" {
		return fmt.Errorf("config.service.currency is required")
	}
	if c.Service.RevokeWindowSecs < 0 {
		return fmt.Errorf("config.service.revoke_window_seconds must be >= 0")
	}
	if c.Service.ExpirySweepSecs <= 0 {
		return fmt.Errorf("config.service.expiry_sweep_seconds must be > 0")
	}
	for _, bps := range []int64{c.Fees.OnrampFeeBps, c.Fees.OfframpFeeBps, c.Fees.SplitFeeBps} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("fee bps must be in 0..10000, got %d", bps)
		}
	}
	if c.Fees.MinSplitFee < 0 {
		return fmt.Errorf("config.fees.min_split_fee must be >= 0")
	}
	for productType, tpl := range c.Templates {
		if tpl.Name == "" {
			return fmt.Errorf("template for %s has no name", productType)
		}
		var poolSum int64
		for _, r := range tpl.Rules {
			if r.ShareBps < 0 || r.ShareBps > 10000 {
				return fmt.Errorf("template %s: rule share_bps %d out of range", tpl.Name, r.ShareBps)
			}
			if r.Source == "pool" {
				poolSum += r.ShareBps
			}
		}
		if poolSum != 10000 {
			return fmt.Errorf("template %s: pool rules sum to %d bps, want 10000", tpl.Name, poolSum)
		}
	}
	for _, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("webhook with empty url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "payline.yml")
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `service:
  currency: USDC
  revoke_window_seconds: 300
  expiry_sweep_seconds: 60
  base_path: /v0

fees:
  onramp_fee_bps: 10
  offramp_fee_bps: 10
  split_fee_bps: 30
  min_split_fee: 100000

templates:
  skill:
    name: "Skill execution standard"
    rules:
      - {role: executor, recipient: "{executor}", share_bps: 9000, source: pool}
      - {role: referrer, recipient: "{referrer}", share_bps: 1000, source: pool}
  agent_task:
    name: "Agent task standard"
    rules:
      - {role: executor, recipient: "{executor}", share_bps: 8500, source: pool}
      - {role: l1, recipient: "{l1}", share_bps: 1000, source: pool}
      - {role: l2, recipient: "{l2}", share_bps: 500, source: pool}
  service:
    name: "Service standard"
    rules:
      - {role: executor, recipient: "{executor}", share_bps: 9500, source: pool}
      - {role: promoter, recipient: "{promoter}", share_bps: 500, source: pool}
  physical:
    name: "Physical goods standard"
    rules:
      - {role: executor, recipient: "{merchant}", share_bps: 10000, source: pool}
  virtual:
    name: "Virtual goods standard"
    rules:
      - {role: executor, recipient: "{merchant}", share_bps: 10000, source: pool}
  nft:
    name: "NFT standard"
    rules:
      - {role: executor, recipient: "{creator}", share_bps: 9000, source: pool}
      - {role: promoter, recipient: "{promoter}", share_bps: 1000, source: pool}
`
