package broker

import (
	"strconv"
	"strings"

	"vanilla-trader/internal/types"
)

// The brokerage API ships the same logical field under different keys
// depending on endpoint and firmware revision. Each list is ordered by how
// commonly the key appears; the first hit wins.
var (
	cashKeys   = []string{"d2_pymn_alow_amt", "ord_psbl_cash_amt", "can_order_amt", "dbst_bal"}
	priceKeys  = []string{"stck_prpr", "current_price", "close_pric", "lastPrice", "last_price"}
	rateKeys   = []string{"flu_rt", "prdy_ctrt", "stck_prdy_ctrt"}
	volumeKeys = []string{"trde_qty", "acml_vol", "stck_vol"}
	nameKeys   = []string{"stk_nm", "name", "hts_kor_isnm", "itm_nm"}

	execOrderIDKeys = []string{"odno", "order_no"}
	execSymbolKeys  = []string{"stk_cd", "stock_code", "stck_shrn_iscd"}
	execPriceKeys   = []string{"exec_price", "cntr_pr"}
	execQtyKeys     = []string{"exec_qty", "cntr_qty"}
	execSideKeys    = []string{"buy_sell_tp", "buy_sell_dvcd"}
)

// firstString returns the first non-empty value among the aliased keys.
func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s := strings.TrimSpace(toString(v))
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// firstAmount returns the first aliased key that parses as a whole amount.
func firstAmount(m map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if n, ok := parseAmount(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func firstRate(m map[string]any, keys []string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, err := strconv.ParseFloat(cleanNumeric(toString(v)), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

// parseAmount parses broker numeric fields: strings with commas, sign
// prefixes and stray whitespace, or plain JSON numbers. Prices arrive signed
// on some endpoints; the magnitude is what matters.
func parseAmount(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			n = -n
		}
		return int64(n), true
	case int:
		if n < 0 {
			n = -n
		}
		return int64(n), true
	case int64:
		if n < 0 {
			n = -n
		}
		return n, true
	}
	s := cleanNumeric(toString(v))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if f < 0 {
		f = -f
	}
	return int64(f), true
}

func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "+")
	return s
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		if s {
			return "true"
		}
		return "false"
	case nil:
		return ""
	}
	return ""
}

// normalizeSymbol strips the exchange prefix some endpoints attach to codes.
func normalizeSymbol(code string) string {
	code = strings.TrimSpace(code)
	if len(code) > 1 && (code[0] == 'A' || code[0] == 'a') {
		rest := code[1:]
		if _, err := strconv.Atoi(rest); err == nil {
			return rest
		}
	}
	return code
}

// isSuccess reports whether a broker return code means the call succeeded.
// Zero arrives as "0", "00" or "000" depending on the endpoint.
func isSuccess(code any) bool {
	switch toString(code) {
	case "0", "00", "000":
		return true
	}
	return false
}

// ParseExecution extracts a fill notification from a raw stream frame.
// Symbol, a positive price and a positive quantity are all required; a frame
// missing any of them is discarded rather than guessed at. The side flag
// varies by upstream version, numeric and word forms both occur.
func ParseExecution(raw map[string]any) (types.Execution, bool) {
	// some firmware nests the fill under an output block
	flat := flattenOutputs(raw)

	exec := types.Execution{
		Symbol:  normalizeSymbol(firstString(flat, execSymbolKeys)),
		OrderID: firstString(flat, execOrderIDKeys),
	}
	if exec.Symbol == "" {
		return types.Execution{}, false
	}
	price, ok := firstAmount(flat, execPriceKeys)
	if !ok || price <= 0 {
		return types.Execution{}, false
	}
	qty, ok := firstAmount(flat, execQtyKeys)
	if !ok || qty <= 0 {
		return types.Execution{}, false
	}
	exec.Price = price
	exec.Qty = qty

	switch strings.ToLower(firstString(flat, execSideKeys)) {
	case "1", "01", "buy":
		exec.Side = types.SideBuy
	case "2", "02", "sell":
		exec.Side = types.SideSell
	default:
		return types.Execution{}, false
	}
	return exec, true
}

// flattenOutputs lifts the first record of list-valued output blocks to the
// top level so field lookup works uniformly across endpoints.
func flattenOutputs(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, key := range []string{"output1", "output2", "output"} {
		switch v := body[key].(type) {
		case map[string]any:
			for k, fv := range v {
				if _, exists := out[k]; !exists {
					out[k] = fv
				}
			}
		case []any:
			if len(v) > 0 {
				if rec, ok := v[0].(map[string]any); ok {
					for k, fv := range rec {
						if _, exists := out[k]; !exists {
							out[k] = fv
						}
					}
				}
			}
		}
	}
	return out
}
