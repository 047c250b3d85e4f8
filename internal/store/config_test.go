package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
broker:
  base_url: "https://api.example.com"
  ws_url: "wss://api.example.com/ws"
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0", cfg.Trading.ConditionSeq)
	assert.Equal(t, int64(200_000), cfg.Trading.BuyAmount)
	assert.Equal(t, 5, cfg.Trading.MaxPositions)
	assert.Equal(t, "09:00", cfg.Trading.StartTime)
	assert.Equal(t, "15:30", cfg.Trading.EndTime)
	assert.Equal(t, 5, cfg.Trading.PollSeconds)
	assert.Equal(t, 60, cfg.Trading.SignalRetentionMinutes)
	assert.Equal(t, ":8087", cfg.Server.Listen)

	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "default", cfg.Strategies[0].Name)
	assert.Equal(t, -1.5, cfg.Strategies[0].StopLossRate)
	assert.Equal(t, 1.5, cfg.Strategies[0].ProfitCutRate)
	assert.Equal(t, "default", cfg.Trading.ActiveStrategy)
}

func TestLoadConfigClampsMaxPositions(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
trading:
  max_positions: 100
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Trading.MaxPositions)

	cfg, err = LoadConfig(writeConfig(t, minimalConfig+`
trading:
  max_positions: -3
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Trading.MaxPositions)
}

func TestLoadConfigClampsBuyAmount(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+`
trading:
  buy_amount: 500
`))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cfg.Trading.BuyAmount)
}

func TestValidateRejectsBadWindow(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
trading:
  start_time: "25:00"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start_time")
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
trading:
  active_strategy: "nope"
strategies:
  - name: "default"
    stop_loss_rate: -1.5
    profit_cut_rate: 1.5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestValidateRequiresBaseURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
broker:
  ws_url: "wss://api.example.com/ws"
`))
	require.Error(t, err)
}

func TestMockSwitch(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
broker:
  base_url: "https://real"
  mock_url: "https://mock"
  ws_url: "wss://real"
  mock_ws_url: "wss://mock"
  use_mock: true
`))
	require.NoError(t, err)
	assert.Equal(t, "https://mock", cfg.RestURL())
	assert.Equal(t, "wss://mock", cfg.StreamURL())

	cfg.Broker.UseMock = false
	assert.Equal(t, "https://real", cfg.RestURL())
	assert.Equal(t, "wss://real", cfg.StreamURL())
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:00")
	require.NoError(t, err)
	assert.Equal(t, 540, m)

	m, err = ParseClock("15:30")
	require.NoError(t, err)
	assert.Equal(t, 930, m)

	_, err = ParseClock("9am")
	assert.Error(t, err)
}
