// Package broker implements the brokerage REST and websocket clients. The
// upstream API is schema-unstable, so every response goes through the
// alias-based field extraction in fields.go before anything downstream sees it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vanilla-trader/internal/api"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/types"
)

const (
	apiConditionList = "ka03001"
	apiStockPrice    = "ka10006"
	apiBestPrice     = "ka10004"
	apiStockInfo     = "ka10100"
	apiBalance       = "ka01690"
	apiBuyOrder      = "kt10000"
	apiSellOrder     = "kt10001"

	pathToken   = "/oauth2/token"
	pathMrkcond = "/api/dostk/mrkcond"
	pathAccount = "/api/dostk/acnt"
	pathOrder   = "/api/dostk/ordr"

	tradeTypeMarket = "3"
	exchangeKRX     = "KRX"

	tokenRefreshMargin = 5 * time.Minute
	loginAttempts      = 3
	loginBackoff       = time.Second
	queryAttempts      = 2
	queryBackoff       = 500 * time.Millisecond
	orderAttempts      = 2
	orderBackoff       = 300 * time.Millisecond
)

var (
	bestAskKeys = []string{"sel_fpr_bid", "askp1", "sel_hoga1"}
	bestBidKeys = []string{"buy_fpr_bid", "bidp1", "buy_hoga1"}
	orderIDKeys = []string{"ord_no", "odno", "order_no"}
)

// RestClient is the REST half of the brokerage session. It owns the OAuth
// token and refreshes it ahead of expiry; all entry points call EnsureToken
// first so callers never handle auth state.
type RestClient struct {
	client      *api.Client
	loginClient *api.Client

	appKey    string
	appSecret string

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time

	now func() time.Time
}

func NewRestClient(baseURL, appKey, appSecret string, opts ...api.Option) *RestClient {
	return &RestClient{
		client:      api.NewClient(baseURL, opts...),
		loginClient: api.NewClient(baseURL, append(opts, api.WithTimeout(api.LoginTimeout))...),
		appKey:      appKey,
		appSecret:   appSecret,
		now:         time.Now,
	}
}

// Login requests a fresh OAuth token. Transport failures are retried with
// exponential backoff before giving up.
func (r *RestClient) Login(ctx context.Context) error {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     r.appKey,
		"secretkey":  r.appSecret,
	}

	result, _, err := r.loginClient.PostJSONRetry(ctx, pathToken, body, nil, loginAttempts, loginBackoff)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}

	token := firstString(result, []string{"token", "access_token"})
	if token == "" {
		return fmt.Errorf("login rejected: return_code=%s msg=%s",
			toString(result["return_code"]), toString(result["return_msg"]))
	}
	if code, ok := result["return_code"]; ok && !isSuccess(code) {
		return fmt.Errorf("login rejected: return_code=%s msg=%s",
			toString(code), toString(result["return_msg"]))
	}

	expiresAt := r.now().Add(time.Hour)
	if s := firstString(result, []string{"expires_dt"}); s != "" {
		if t, err := time.ParseInLocation("20060102150405", s, time.Local); err == nil {
			expiresAt = t
		} else {
			logger.Warn(ctx, "unparseable token expiry, assuming 1h", "expires_dt", s)
		}
	}

	r.mu.Lock()
	r.token = token
	r.tokenExpiresAt = expiresAt
	r.mu.Unlock()

	logger.Info(ctx, "broker login ok", "expires_at", expiresAt.Format(time.RFC3339))
	return nil
}

// EnsureToken re-logins when the token is missing or within the refresh
// margin of expiry.
func (r *RestClient) EnsureToken(ctx context.Context) error {
	r.mu.Lock()
	valid := r.token != "" && r.now().Before(r.tokenExpiresAt.Add(-tokenRefreshMargin))
	r.mu.Unlock()
	if valid {
		return nil
	}
	return r.Login(ctx)
}

func (r *RestClient) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *RestClient) authHeaders(apiID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + r.Token(),
		"api-id":        apiID,
	}
}

// callMrkcond posts a market-condition query and defaults the return code to
// success when the endpoint omits it.
func (r *RestClient) callMrkcond(ctx context.Context, apiID string, params map[string]string) (map[string]any, error) {
	result, _, err := r.client.PostJSONRetry(ctx, pathMrkcond, params, r.authHeaders(apiID), queryAttempts, queryBackoff)
	if err != nil {
		return nil, err
	}
	if _, ok := result["return_code"]; !ok {
		result["return_code"] = "0"
	}
	return result, nil
}

// GetQuote merges the price/volume query with the best-price query. The
// best-price half is degradable: if it fails the quote is returned without
// bid/ask rather than failing the call.
func (r *RestClient) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	if err := r.EnsureToken(ctx); err != nil {
		return types.Quote{}, err
	}

	code := normalizeSymbol(symbol)
	params := map[string]string{"stk_cd": code}

	priceBody, err := r.callMrkcond(ctx, apiStockPrice, params)
	if err != nil {
		return types.Quote{}, fmt.Errorf("price query %s: %w", code, err)
	}
	if !isSuccess(priceBody["return_code"]) {
		return types.Quote{}, fmt.Errorf("price query %s rejected: return_code=%s msg=%s",
			code, toString(priceBody["return_code"]), toString(priceBody["return_msg"]))
	}

	merged := flattenOutputs(priceBody)

	if bestBody, err := r.callMrkcond(ctx, apiBestPrice, params); err == nil && isSuccess(bestBody["return_code"]) {
		for k, v := range flattenOutputs(bestBody) {
			if k == "return_code" || k == "return_msg" {
				continue
			}
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	} else {
		logger.Debug(ctx, "best-price query degraded", "symbol", code, "error", err)
	}

	q := types.Quote{
		Symbol:     code,
		Name:       firstString(merged, nameKeys),
		ChangeRate: firstRate(merged, rateKeys),
	}
	if p, ok := firstAmount(merged, priceKeys); ok {
		q.Price = p
	} else {
		return types.Quote{}, fmt.Errorf("price query %s: no price field in response", code)
	}
	if v, ok := firstAmount(merged, volumeKeys); ok {
		q.Volume = v
	}
	if v, ok := firstAmount(merged, bestBidKeys); ok {
		q.BestBid = v
	}
	if v, ok := firstAmount(merged, bestAskKeys); ok {
		q.BestAsk = v
	}
	return q, nil
}

// GetBalance fetches the account snapshot and normalizes the orderable cash
// figure, which arrives under whichever alias the account endpoint favors.
func (r *RestClient) GetBalance(ctx context.Context) (types.Balance, error) {
	if err := r.EnsureToken(ctx); err != nil {
		return types.Balance{}, err
	}

	params := map[string]string{"qry_dt": r.now().Format("20060102")}
	result, _, err := r.client.PostJSONRetry(ctx, pathAccount, params, r.authHeaders(apiBalance), queryAttempts, queryBackoff)
	if err != nil {
		return types.Balance{}, fmt.Errorf("balance query: %w", err)
	}
	if _, ok := result["return_code"]; !ok {
		result["return_code"] = "0"
	}
	if !isSuccess(result["return_code"]) {
		return types.Balance{}, fmt.Errorf("balance query rejected: return_code=%s msg=%s",
			toString(result["return_code"]), toString(result["return_msg"]))
	}

	flat := flattenOutputs(result)
	var bal types.Balance
	if cash, ok := firstAmount(flat, cashKeys); ok {
		bal.Cash = cash
	}
	bal.Holdings = parseHoldings(result)
	return bal, nil
}

// parseHoldings pulls position rows out of whichever output list carries them.
func parseHoldings(body map[string]any) []types.Holding {
	for _, key := range []string{"output1", "output2", "output", "stk_acnt_evlt_prst"} {
		rows, ok := body[key].([]any)
		if !ok {
			continue
		}
		var out []types.Holding
		for _, row := range rows {
			rec, ok := row.(map[string]any)
			if !ok {
				continue
			}
			sym := normalizeSymbol(firstString(rec, execSymbolKeys))
			if sym == "" {
				continue
			}
			h := types.Holding{Symbol: sym, Name: firstString(rec, nameKeys)}
			if qty, ok := firstAmount(rec, []string{"rmnd_qty", "hldg_qty", "qty"}); ok {
				h.Qty = qty
			}
			out = append(out, h)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// GetConditionList fetches the server-side screening queries over REST. The
// websocket path is the primary source; this is the fallback when the stream
// is not yet authenticated.
func (r *RestClient) GetConditionList(ctx context.Context) ([]types.ConditionChannel, error) {
	if err := r.EnsureToken(ctx); err != nil {
		return nil, err
	}

	result, _, err := r.client.PostJSONRetry(ctx, pathMrkcond, map[string]string{}, r.authHeaders(apiConditionList), queryAttempts, queryBackoff)
	if err != nil {
		return nil, fmt.Errorf("condition list: %w", err)
	}
	if _, ok := result["return_code"]; !ok {
		result["return_code"] = "0"
	}
	if !isSuccess(result["return_code"]) {
		return nil, fmt.Errorf("condition list rejected: return_code=%s msg=%s",
			toString(result["return_code"]), toString(result["return_msg"]))
	}
	return ParseConditionList(result["output1"]), nil
}

// ParseConditionList accepts both wire shapes for the screening-query list:
// a list of [seq, name] pairs or a list of keyed records.
func ParseConditionList(v any) []types.ConditionChannel {
	rows, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []types.ConditionChannel
	for _, row := range rows {
		switch rec := row.(type) {
		case []any:
			if len(rec) >= 2 {
				out = append(out, types.ConditionChannel{Seq: toString(rec[0]), Name: toString(rec[1])})
			}
		case map[string]any:
			c := types.ConditionChannel{
				Seq:  firstString(rec, []string{"seq", "cond_seq", "idx"}),
				Name: firstString(rec, []string{"name", "cond_nm", "cond_name"}),
			}
			if c.Seq != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// SubmitMarketOrder places a market order. Every failure mode, transport
// included, comes back as a failed OrderResult so the trading loop has one
// code path. OrderRef tags the attempt for the trade log.
func (r *RestClient) SubmitMarketOrder(ctx context.Context, side types.Side, symbol string, qty int64) types.OrderResult {
	ref := uuid.NewString()

	if err := r.EnsureToken(ctx); err != nil {
		return types.OrderResult{Code: "-1", Message: err.Error(), OrderRef: ref}
	}

	apiID := apiBuyOrder
	if side == types.SideSell {
		apiID = apiSellOrder
	}

	code := normalizeSymbol(symbol)
	params := map[string]string{
		"dmst_stex_tp": exchangeKRX,
		"stk_cd":       code,
		"ord_qty":      fmt.Sprintf("%d", qty),
		"ord_uv":       "",
		"trde_tp":      tradeTypeMarket,
		"cond_uv":      "",
	}
	headers := r.authHeaders(apiID)
	headers["cont-yn"] = "N"
	headers["next-key"] = ""

	result, _, err := r.client.PostJSONRetry(ctx, pathOrder, params, headers, orderAttempts, orderBackoff)
	if err != nil {
		logger.ErrorWithErr(ctx, "order submit failed", err, "symbol", code, "side", string(side))
		return types.OrderResult{Code: "-1", Message: err.Error(), OrderRef: ref}
	}
	if _, ok := result["return_code"]; !ok {
		result["return_code"] = "0"
	}

	res := types.OrderResult{
		Code:     toString(result["return_code"]),
		Message:  toString(result["return_msg"]),
		OrderID:  firstString(result, orderIDKeys),
		OrderRef: ref,
		Success:  isSuccess(result["return_code"]),
	}
	if res.Success {
		logger.Trade(ctx, code, string(side), qty, 0, ref, "order_id", res.OrderID)
	} else {
		logger.Error(ctx, "order rejected", "symbol", code, "side", string(side), "code", res.Code, "msg", res.Message)
	}
	return res
}

var ErrNotAuthenticated = errors.New("broker session not authenticated")
