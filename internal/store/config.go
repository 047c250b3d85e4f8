package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBuyAmount    = 200_000
	defaultMaxPositions = 5
	minBuyAmount        = 1_000
)

type Strategy struct {
	Name          string  `yaml:"name"`
	StopLossRate  float64 `yaml:"stop_loss_rate"`
	ProfitCutRate float64 `yaml:"profit_cut_rate"`
}

type Config struct {
	Broker struct {
		BaseURL      string `yaml:"base_url"`
		MockURL      string `yaml:"mock_url"`
		WSURL        string `yaml:"ws_url"`
		MockWSURL    string `yaml:"mock_ws_url"`
		UseMock      bool   `yaml:"use_mock"`
		AppKeyEnv    string `yaml:"app_key_env"`
		AppSecretEnv string `yaml:"app_secret_env"`
	} `yaml:"broker"`
	Trading struct {
		ConditionSeq           string `yaml:"condition_seq"`
		BuyAmount              int64  `yaml:"buy_amount"`
		MaxPositions           int    `yaml:"max_positions"`
		StartTime              string `yaml:"start_time"`
		EndTime                string `yaml:"end_time"`
		ActiveStrategy         string `yaml:"active_strategy"`
		PollSeconds            int    `yaml:"poll_seconds"`
		SignalRetentionMinutes int    `yaml:"signal_retention_minutes"`
	} `yaml:"trading"`
	Strategies []Strategy `yaml:"strategies"`
	Server     struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

// RestURL returns the REST base URL, honoring the mock-server switch.
func (c *Config) RestURL() string {
	if c.Broker.UseMock && c.Broker.MockURL != "" {
		return c.Broker.MockURL
	}
	return c.Broker.BaseURL
}

// StreamURL returns the websocket URL, honoring the mock-server switch.
func (c *Config) StreamURL() string {
	if c.Broker.UseMock && c.Broker.MockWSURL != "" {
		return c.Broker.MockWSURL
	}
	return c.Broker.WSURL
}

// Strategy returns the named sell strategy, or false if it is not configured.
func (c *Config) Strategy(name string) (Strategy, bool) {
	for _, s := range c.Strategies {
		if s.Name == name {
			return s, true
		}
	}
	return Strategy{}, false
}

// ParseClock parses an "HH:MM" trading-window boundary into minutes since
// midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return errors.New("broker.base_url cannot be empty")
	}
	if c.Broker.WSURL == "" {
		return errors.New("broker.ws_url cannot be empty")
	}
	if _, err := ParseClock(c.Trading.StartTime); err != nil {
		return fmt.Errorf("trading.start_time: %w", err)
	}
	if _, err := ParseClock(c.Trading.EndTime); err != nil {
		return fmt.Errorf("trading.end_time: %w", err)
	}
	if len(c.Strategies) == 0 {
		return errors.New("at least one sell strategy must be configured")
	}
	if _, ok := c.Strategy(c.Trading.ActiveStrategy); !ok {
		return fmt.Errorf("trading.active_strategy %q not found in strategies", c.Trading.ActiveStrategy)
	}
	if c.Trading.PollSeconds <= 0 {
		return fmt.Errorf("trading.poll_seconds must be positive, got %d", c.Trading.PollSeconds)
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	applyDefaults(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}

// applyDefaults fills unset options and clamps out-of-range values the same
// way misconfigured installs are handled at startup.
func applyDefaults(c *Config) {
	if c.Broker.AppKeyEnv == "" {
		c.Broker.AppKeyEnv = "BROKER_APP_KEY"
	}
	if c.Broker.AppSecretEnv == "" {
		c.Broker.AppSecretEnv = "BROKER_APP_SECRET"
	}
	if c.Trading.ConditionSeq == "" {
		c.Trading.ConditionSeq = "0"
	}
	if c.Trading.BuyAmount == 0 {
		c.Trading.BuyAmount = defaultBuyAmount
	}
	if c.Trading.BuyAmount < minBuyAmount {
		c.Trading.BuyAmount = minBuyAmount
	}
	if c.Trading.MaxPositions < 1 || c.Trading.MaxPositions > 50 {
		c.Trading.MaxPositions = defaultMaxPositions
	}
	if c.Trading.StartTime == "" {
		c.Trading.StartTime = "09:00"
	}
	if c.Trading.EndTime == "" {
		c.Trading.EndTime = "15:30"
	}
	if c.Trading.PollSeconds == 0 {
		c.Trading.PollSeconds = 5
	}
	if c.Trading.SignalRetentionMinutes == 0 {
		c.Trading.SignalRetentionMinutes = 60
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []Strategy{{Name: "default", StopLossRate: -1.5, ProfitCutRate: 1.5}}
	}
	if c.Trading.ActiveStrategy == "" {
		c.Trading.ActiveStrategy = c.Strategies[0].Name
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8087"
	}
}
