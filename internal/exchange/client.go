package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	recvWindowMs     = 10000
	signedAttempts   = 3
	rateLimitMaxWait = 10 * time.Second
)

// RESTClient talks to the futures REST API. Safe for concurrent use; resty
// pools connections internally.
type RESTClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
}

// NewRESTClient builds a live client. baseURL overrides the default
// mainnet/testnet URL when non-empty.
func NewRESTClient(apiKey, apiSecret string, testnet bool, baseURL string) *RESTClient {
	if baseURL == "" {
		baseURL = mainnetBaseURL
		if testnet {
			baseURL = testnetBaseURL
		}
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", apiKey)

	return &RESTClient{
		http:      httpClient,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// apiErrorBody is the error envelope the exchange returns.
type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *RESTClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// public performs an unsigned GET. Resty's retry policy covers network and
// 5xx failures; anything else is classified and returned typed.
func (c *RESTClient) public(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(path)
	if err != nil {
		return networkError(err)
	}
	return c.decode(resp, out)
}

// signed performs an authenticated call, re-signing on every attempt so the
// timestamp stays inside the recv window. Transient failures retry with
// linear backoff; a rate limit waits once for the advised interval and then
// propagates if the next attempt is limited again.
func (c *RESTClient) signed(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	var lastErr error
	rateLimited := false

	for attempt := 0; attempt < signedAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(500*attempt) * time.Millisecond):
			case <-ctx.Done():
				return networkError(ctx.Err())
			}
		}

		q := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("recvWindow", strconv.Itoa(recvWindowMs))
		encoded := q.Encode()
		encoded += "&signature=" + c.sign(encoded)

		req := c.http.R().SetContext(ctx).SetQueryString(encoded)
		var resp *resty.Response
		var err error
		switch method {
		case "GET":
			resp, err = req.Get(path)
		case "POST":
			resp, err = req.Post(path)
		case "DELETE":
			resp, err = req.Delete(path)
		default:
			return fmt.Errorf("unsupported method %s", method)
		}
		if err != nil {
			lastErr = networkError(err)
			continue
		}

		decErr := c.decode(resp, out)
		if decErr == nil {
			return nil
		}
		lastErr = decErr

		var ae *APIError
		if !asAPIError(decErr, &ae) {
			continue
		}
		switch ae.Kind {
		case KindRateLimit:
			if rateLimited {
				return ae
			}
			rateLimited = true
			wait := ae.RetryAfter
			if wait <= 0 || wait > rateLimitMaxWait {
				wait = rateLimitMaxWait
			}
			log.Warn().Str("path", path).Dur("wait", wait).Msg("⏳ Rate limited, backing off once")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return networkError(ctx.Err())
			}
		case KindNetwork:
			// retry
		default:
			return ae
		}
	}
	return lastErr
}

func (c *RESTClient) decode(resp *resty.Response, out interface{}) error {
	body := resp.Body()
	if resp.StatusCode() >= 400 {
		var eb apiErrorBody
		_ = json.Unmarshal(body, &eb)
		ae := &APIError{
			Kind:       classify(resp.StatusCode(), eb.Code),
			Code:       eb.Code,
			HTTPStatus: resp.StatusCode(),
			Message:    eb.Msg,
		}
		if ae.Message == "" {
			ae.Message = resp.Status()
		}
		if ae.Kind == KindRateLimit {
			if ra := resp.Header().Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					ae.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return ae
	}
	// Success bodies sometimes still carry an error envelope.
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code < 0 {
		return &APIError{
			Kind:       classify(resp.StatusCode(), eb.Code),
			Code:       eb.Code,
			HTTPStatus: resp.StatusCode(),
			Message:    eb.Msg,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Kind: KindAPI, HTTPStatus: resp.StatusCode(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	ae, ok := err.(*APIError)
	if ok {
		*target = ae
	}
	return ok
}

// GetKlines fetches up to limit candles for symbol at the given interval.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.public(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  toInt64(k[0]),
			Open:      toDecimal(k[1]),
			High:      toDecimal(k[2]),
			Low:       toDecimal(k[3]),
			Close:     toDecimal(k[4]),
			Volume:    toDecimal(k[5]),
			CloseTime: toInt64(k[6]),
		})
	}
	return klines, nil
}

// GetPrice returns the latest traded price for symbol.
func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := c.public(ctx, "/fapi/v1/ticker/price", params, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Price, nil
}

type positionRiskRow struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         decimal.Decimal `json:"leverage"`
}

// GetOpenPosition returns the open position for symbol, or nil when flat.
func (c *RESTClient) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var rows []positionRiskRow
	if err := c.signed(ctx, "GET", "/fapi/v2/positionRisk", params, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Symbol == symbol && !r.PositionAmt.IsZero() {
			return &Position{
				Symbol:        r.Symbol,
				PositionAmt:   r.PositionAmt,
				EntryPrice:    r.EntryPrice,
				MarkPrice:     r.MarkPrice,
				UnrealizedPnL: r.UnRealizedProfit,
				Leverage:      int(r.Leverage.IntPart()),
			}, nil
		}
	}
	return nil, nil
}

type openOrderRow struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ReduceOnly    bool            `json:"reduceOnly"`
	ClosePosition bool            `json:"closePosition"`
	Status        string          `json:"status"`
}

// GetOpenOrders lists resting orders for symbol.
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var rows []openOrderRow
	if err := c.signed(ctx, "GET", "/fapi/v1/openOrders", params, &rows); err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, OpenOrder{
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOrderID,
			Symbol:        r.Symbol,
			Side:          r.Side,
			Type:          r.Type,
			Price:         r.Price,
			StopPrice:     r.StopPrice,
			OrigQty:       r.OrigQty,
			ReduceOnly:    r.ReduceOnly,
			ClosePosition: r.ClosePosition,
			Status:        r.Status,
		})
	}
	return orders, nil
}

// GetCurrentLeverage reads the leverage currently set for symbol. Returns 0
// when the exchange reports none.
func (c *RESTClient) GetCurrentLeverage(ctx context.Context, symbol string) (int, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var rows []positionRiskRow
	if err := c.signed(ctx, "GET", "/fapi/v2/positionRisk", params, &rows); err != nil {
		return 0, err
	}
	for _, r := range rows {
		if r.Symbol == symbol {
			return int(r.Leverage.IntPart()), nil
		}
	}
	return 0, nil
}

// AdjustLeverage sets the leverage for symbol.
func (c *RESTClient) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	var out struct {
		Leverage int    `json:"leverage"`
		Symbol   string `json:"symbol"`
	}
	if err := c.signed(ctx, "POST", "/fapi/v1/leverage", params, &out); err != nil {
		return err
	}
	log.Debug().Str("symbol", symbol).Int("leverage", out.Leverage).Msg("Leverage adjusted")
	return nil
}

type orderResultRow struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Price         decimal.Decimal `json:"price"`
	ReduceOnly    bool            `json:"reduceOnly"`
	UpdateTime    int64           `json:"updateTime"`
}

func (r orderResultRow) toResult() *OrderResult {
	return &OrderResult{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type,
		Status:        r.Status,
		ExecutedQty:   r.ExecutedQty,
		AvgPrice:      r.AvgPrice,
		Price:         r.Price,
		ReduceOnly:    r.ReduceOnly,
		UpdateTime:    r.UpdateTime,
	}
}

// PlaceOrder submits a single order. newOrderRespType=RESULT makes the
// exchange answer with the final fill state instead of an ACK.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "RESULT")
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var row orderResultRow
	if err := c.signed(ctx, "POST", "/fapi/v1/order", params, &row); err != nil {
		return nil, err
	}
	return row.toResult(), nil
}

func (c *RESTClient) placeStop(ctx context.Context, orderType, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("stopPrice", stopPrice.String())
	if closePosition {
		params.Set("closePosition", "true")
	} else {
		params.Set("quantity", qty.String())
		params.Set("reduceOnly", "true")
	}

	var row orderResultRow
	if err := c.signed(ctx, "POST", "/fapi/v1/order", params, &row); err != nil {
		return nil, err
	}
	return row.toResult(), nil
}

// PlaceTakeProfitOrder places a TAKE_PROFIT_MARKET stop.
func (c *RESTClient) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	return c.placeStop(ctx, "TAKE_PROFIT_MARKET", symbol, side, qty, stopPrice, closePosition)
}

// PlaceStopLossOrder places a STOP_MARKET stop.
func (c *RESTClient) PlaceStopLossOrder(ctx context.Context, symbol, side string, qty, stopPrice decimal.Decimal, closePosition bool) (*OrderResult, error) {
	return c.placeStop(ctx, "STOP_MARKET", symbol, side, qty, stopPrice, closePosition)
}

// CancelOrder cancels one resting order by exchange id.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	return c.signed(ctx, "DELETE", "/fapi/v1/order", params, nil)
}

// ClosePosition reads the live position and submits a reduce-only market
// order for its full size. Returns nil when there is nothing to close.
func (c *RESTClient) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	pos, err := c.GetOpenPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}
	side := "SELL"
	if pos.PositionAmt.IsNegative() {
		side = "BUY"
	}
	return c.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       "MARKET",
		Quantity:   pos.PositionAmt.Abs(),
		ReduceOnly: true,
	})
}

type balanceRow struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	CrossUnPnl       decimal.Decimal `json:"crossUnPnl"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// AccountBalance returns the USDT futures balance. Total includes
// unrealized PnL so it reflects account equity.
func (c *RESTClient) AccountBalance(ctx context.Context) (*Balance, error) {
	var rows []balanceRow
	if err := c.signed(ctx, "GET", "/fapi/v2/balance", nil, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Asset == "USDT" {
			return &Balance{
				Asset:     r.Asset,
				Total:     r.Balance.Add(r.CrossUnPnl),
				Available: r.AvailableBalance,
			}, nil
		}
	}
	return &Balance{Asset: "USDT"}, nil
}

// Kline array fields arrive as mixed float64/string JSON values.

func toDecimal(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	}
	return decimal.Zero
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}
