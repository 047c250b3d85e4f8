package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanilla-trader/internal/types"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{"75000", 75000, true},
		{"1,234,567", 1234567, true},
		{"+500", 500, true},
		{"-500", 500, true},
		{" 42 ", 42, true},
		{float64(310.0), 310, true},
		{"", 0, false},
		{"abc", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseAmount(tc.in)
		assert.Equal(t, tc.ok, ok, "input %v", tc.in)
		assert.Equal(t, tc.want, got, "input %v", tc.in)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "005930", normalizeSymbol("A005930"))
	assert.Equal(t, "005930", normalizeSymbol("005930"))
	assert.Equal(t, "005930", normalizeSymbol(" 005930 "))
	// an A followed by non-digits is a real prefix, not the exchange marker
	assert.Equal(t, "APPL", normalizeSymbol("APPL"))
	assert.Equal(t, "A", normalizeSymbol("A"))
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, isSuccess("0"))
	assert.True(t, isSuccess("00"))
	assert.True(t, isSuccess("000"))
	assert.True(t, isSuccess(float64(0)))
	assert.False(t, isSuccess("-1"))
	assert.False(t, isSuccess("1"))
	assert.False(t, isSuccess(nil))
	assert.False(t, isSuccess(""))
}

func TestFlattenOutputs(t *testing.T) {
	body := map[string]any{
		"return_code": "0",
		"output1": []any{
			map[string]any{"stck_prpr": "75000", "flu_rt": "2.5"},
			map[string]any{"stck_prpr": "99999"},
		},
		"output2": map[string]any{"trde_qty": "10000"},
	}
	flat := flattenOutputs(body)
	assert.Equal(t, "75000", flat["stck_prpr"])
	assert.Equal(t, "2.5", flat["flu_rt"])
	assert.Equal(t, "10000", flat["trde_qty"])
	assert.Equal(t, "0", flat["return_code"])
}

func TestFlattenOutputsDoesNotOverwriteTopLevel(t *testing.T) {
	body := map[string]any{
		"stck_prpr": "100",
		"output1":   map[string]any{"stck_prpr": "200"},
	}
	flat := flattenOutputs(body)
	assert.Equal(t, "100", flat["stck_prpr"])
}

func TestFirstStringOrder(t *testing.T) {
	m := map[string]any{
		"current_price": "123",
		"stck_prpr":     "456",
	}
	// stck_prpr is first in the alias list
	assert.Equal(t, "456", firstString(m, priceKeys))
}

func TestParseExecution(t *testing.T) {
	raw := map[string]any{
		"type":        "00",
		"odno":        "12345",
		"stk_cd":      "A005930",
		"exec_price":  "75000",
		"exec_qty":    "10",
		"buy_sell_tp": "1",
	}
	exec, ok := ParseExecution(raw)
	require.True(t, ok)
	assert.Equal(t, "005930", exec.Symbol)
	assert.Equal(t, int64(75000), exec.Price)
	assert.Equal(t, int64(10), exec.Qty)
	assert.Equal(t, types.SideBuy, exec.Side)
	assert.Equal(t, "12345", exec.OrderID)
}

func TestParseExecutionAliasForms(t *testing.T) {
	raw := map[string]any{
		"order_no":      "99",
		"stock_code":    "000660",
		"cntr_pr":       "1,500",
		"cntr_qty":      "3",
		"buy_sell_dvcd": "SELL",
	}
	exec, ok := ParseExecution(raw)
	require.True(t, ok)
	assert.Equal(t, "000660", exec.Symbol)
	assert.Equal(t, int64(1500), exec.Price)
	assert.Equal(t, types.SideSell, exec.Side)
}

func TestParseExecutionRejectsIncomplete(t *testing.T) {
	// missing symbol
	_, ok := ParseExecution(map[string]any{"exec_price": "100", "exec_qty": "1", "buy_sell_tp": "1"})
	assert.False(t, ok)

	// zero price
	_, ok = ParseExecution(map[string]any{"stk_cd": "005930", "exec_price": "0", "exec_qty": "1", "buy_sell_tp": "1"})
	assert.False(t, ok)

	// zero qty
	_, ok = ParseExecution(map[string]any{"stk_cd": "005930", "exec_price": "100", "exec_qty": "0", "buy_sell_tp": "1"})
	assert.False(t, ok)

	// unknown side flag
	_, ok = ParseExecution(map[string]any{"stk_cd": "005930", "exec_price": "100", "exec_qty": "1", "buy_sell_tp": "9"})
	assert.False(t, ok)
}

func TestParseConditionList(t *testing.T) {
	pairs := []any{
		[]any{"0", "momentum breakout"},
		[]any{"3", "gap up"},
	}
	got := ParseConditionList(pairs)
	require.Len(t, got, 2)
	assert.Equal(t, types.ConditionChannel{Seq: "0", Name: "momentum breakout"}, got[0])

	records := []any{
		map[string]any{"seq": "7", "name": "volume spike"},
		map[string]any{"cond_seq": "8", "cond_nm": "new high"},
	}
	got = ParseConditionList(records)
	require.Len(t, got, 2)
	assert.Equal(t, "7", got[0].Seq)
	assert.Equal(t, "new high", got[1].Name)

	assert.Nil(t, ParseConditionList(nil))
	assert.Nil(t, ParseConditionList("not a list"))
}
