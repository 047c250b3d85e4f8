package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanilla-trader/internal/types"
)

type fakeBrokerage struct {
	mu          *httptest.Server
	loginCalls  int
	orderCalls  int
	loginFailN  int // fail the first N login attempts
	handlers    map[string]http.HandlerFunc
	lastOrder   map[string]string
	lastAPIID   string
	tokenExpiry string
}

func newFakeBrokerage(t *testing.T) *fakeBrokerage {
	t.Helper()
	f := &fakeBrokerage{handlers: map[string]http.HandlerFunc{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls++
		if f.loginCalls <= f.loginFailN {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{"return_code": "0", "token": "tok-1", "token_type": "bearer"}
		if f.tokenExpiry != "" {
			resp["expires_dt"] = f.tokenExpiry
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.lastAPIID = r.Header.Get("api-id")
		key := r.URL.Path + "|" + f.lastAPIID
		if h, ok := f.handlers[key]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	f.mu = httptest.NewServer(mux)
	t.Cleanup(f.mu.Close)
	return f
}

func (f *fakeBrokerage) on(path, apiID string, body map[string]any) {
	f.handlers[path+"|"+apiID] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(body)
	}
}

func TestLoginStoresTokenAndExpiry(t *testing.T) {
	f := newFakeBrokerage(t)
	f.tokenExpiry = "20260830153000"

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))
	assert.Equal(t, "tok-1", rc.Token())

	want := time.Date(2026, 8, 30, 15, 30, 0, 0, time.Local)
	assert.Equal(t, want, rc.tokenExpiresAt)
}

func TestLoginRetriesTransportErrors(t *testing.T) {
	f := newFakeBrokerage(t)
	f.loginFailN = 2

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))
	assert.Equal(t, 3, f.loginCalls)
}

func TestLoginRejectedWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"return_code": "8005", "return_msg": "invalid app key"})
	}))
	defer srv.Close()

	rc := NewRestClient(srv.URL, "key", "secret")
	err := rc.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "8005")
	assert.Empty(t, rc.Token())
}

func TestEnsureTokenRefreshesInsideMargin(t *testing.T) {
	f := newFakeBrokerage(t)

	rc := NewRestClient(f.mu.URL, "key", "secret")
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.Local)
	rc.now = func() time.Time { return base }

	require.NoError(t, rc.Login(context.Background()))
	require.Equal(t, 1, f.loginCalls)

	// fresh token, no expiry came back so expiry is base+1h; well clear of
	// the margin
	require.NoError(t, rc.EnsureToken(context.Background()))
	assert.Equal(t, 1, f.loginCalls)

	// move to 4 minutes before expiry, inside the 5 minute margin
	rc.now = func() time.Time { return base.Add(56 * time.Minute) }
	require.NoError(t, rc.EnsureToken(context.Background()))
	assert.Equal(t, 2, f.loginCalls)
}

func TestGetQuoteMergesBothQueries(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/mrkcond", apiStockPrice, map[string]any{
		"return_code": "0",
		"output1": map[string]any{
			"stck_prpr": "-75000",
			"flu_rt":    "1.9",
			"trde_qty":  "123456",
			"stk_nm":    "samsung",
		},
	})
	f.on("/api/dostk/mrkcond", apiBestPrice, map[string]any{
		"return_code": "0",
		"sel_fpr_bid": "75100",
		"buy_fpr_bid": "74900",
	})

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	q, err := rc.GetQuote(context.Background(), "A005930")
	require.NoError(t, err)
	assert.Equal(t, "005930", q.Symbol)
	assert.Equal(t, int64(75000), q.Price) // sign prefix stripped
	assert.Equal(t, int64(75100), q.BestAsk)
	assert.Equal(t, int64(74900), q.BestBid)
	assert.Equal(t, 1.9, q.ChangeRate)
	assert.Equal(t, int64(123456), q.Volume)
	assert.Equal(t, "samsung", q.Name)
}

func TestGetQuoteDegradesWhenBestPriceFails(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/mrkcond", apiStockPrice, map[string]any{
		"return_code": "0",
		"stck_prpr":   "10000",
	})
	// no handler registered for the best-price query: it 404s

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	q, err := rc.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), q.Price)
	assert.Zero(t, q.BestBid)
	assert.Zero(t, q.BestAsk)
}

func TestGetQuoteFailsWhenPrimaryFails(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/mrkcond", apiStockPrice, map[string]any{
		"return_code": "-1",
		"return_msg":  "no such symbol",
	})

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	_, err := rc.GetQuote(context.Background(), "999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such symbol")
}

func TestGetBalanceNormalizesCashAliases(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/acnt", apiBalance, map[string]any{
		"return_code": "0",
		"dbst_bal":    "1,000,000",
		"output1": []any{
			map[string]any{"stk_cd": "A005930", "stk_nm": "samsung", "rmnd_qty": "3"},
		},
	})

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	bal, err := rc.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal.Cash)
	require.Len(t, bal.Holdings, 1)
	assert.Equal(t, "005930", bal.Holdings[0].Symbol)
	assert.Equal(t, "samsung", bal.Holdings[0].Name)
	assert.Equal(t, int64(3), bal.Holdings[0].Qty)
}

func TestSubmitMarketOrderMapsTransportFailureToResult(t *testing.T) {
	rc := NewRestClient("http://127.0.0.1:1", "key", "secret")
	rc.token = "tok"
	rc.tokenExpiresAt = time.Now().Add(time.Hour)

	res := rc.SubmitMarketOrder(context.Background(), types.SideBuy, "005930", 1)
	assert.False(t, res.Success)
	assert.Equal(t, "-1", res.Code)
	assert.NotEmpty(t, res.OrderRef)
}

func TestSubmitMarketOrderSuccess(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/ordr", apiBuyOrder, map[string]any{
		"return_code": "0",
		"ord_no":      "O-100",
	})

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	res := rc.SubmitMarketOrder(context.Background(), types.SideBuy, "A005930", 1)
	require.True(t, res.Success)
	assert.Equal(t, "O-100", res.OrderID)
	assert.Equal(t, apiBuyOrder, f.lastAPIID)
}

func TestSubmitMarketOrderSellUsesSellAPI(t *testing.T) {
	f := newFakeBrokerage(t)
	f.on("/api/dostk/ordr", apiSellOrder, map[string]any{"return_code": "00"})

	rc := NewRestClient(f.mu.URL, "key", "secret")
	require.NoError(t, rc.Login(context.Background()))

	res := rc.SubmitMarketOrder(context.Background(), types.SideSell, "005930", 2)
	require.True(t, res.Success)
	assert.Equal(t, apiSellOrder, f.lastAPIID)
}
