package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pivox/tradingV3-sub005/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

// bybit V5 kline interval codes per timeframe.
var intervalCodes = map[domain.Timeframe]string{
	domain.Timeframe4h:  "240",
	domain.Timeframe1h:  "60",
	domain.Timeframe15m: "15",
	domain.Timeframe5m:  "5",
	domain.Timeframe1m:  "1",
}

// BybitAdapter implements the exchange-facing collaborator interfaces
// (catalog, exchange state, candles, account, order submission) against the
// bybit V5 API, plus an optional public kline stream.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu        sync.Mutex
	wsConn    *websocket.Conn
	lastPrice map[string]float64
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		lastPrice: make(map[string]float64),
	}
}

// --- REST plumbing ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	return respBody, nil
}

// --- ContractCatalog ---

func (b *BybitAdapter) ActiveSymbols(ctx context.Context) ([]string, error) {
	resp, err := b.sendRequest(ctx, "GET", "/v5/market/instruments-info?category=linear", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol string `json:"symbol"`
				Status string `json:"status"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}

	var symbols []string
	for _, item := range result.Result.List {
		if item.Status == "Trading" {
			symbols = append(symbols, item.Symbol)
		}
	}
	return symbols, nil
}

func (b *BybitAdapter) SymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	path := fmt.Sprintf("/v5/market/instruments-info?category=linear&symbol=%s", symbol)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Status      string `json:"status"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
					MinPrice string `json:"minPrice"`
					MaxPrice string `json:"maxPrice"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep        string `json:"qtyStep"`
					MinOrderQty    string `json:"minOrderQty"`
					MaxOrderQty    string `json:"maxOrderQty"`
					MinNotionalVal string `json:"minNotionalValue"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}

	item := result.Result.List[0]
	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return &domain.SymbolFilters{
		Symbol:      item.Symbol,
		TickSize:    parse(item.PriceFilter.TickSize),
		StepSize:    parse(item.LotSizeFilter.QtyStep),
		MinPrice:    parse(item.PriceFilter.MinPrice),
		MaxPrice:    parse(item.PriceFilter.MaxPrice),
		MinQty:      parse(item.LotSizeFilter.MinOrderQty),
		MaxQty:      parse(item.LotSizeFilter.MaxOrderQty),
		MinNotional: parse(item.LotSizeFilter.MinNotionalVal),
		Status:      item.Status,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

// --- ExchangeState ---

func (b *BybitAdapter) OpenPositions(ctx context.Context) ([]*domain.Position, error) {
	resp, err := b.sendRequest(ctx, "GET", "/v5/position/list?category=linear&settleCoin=USDT", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol   string `json:"symbol"`
				Side     string `json:"side"`
				Size     string `json:"size"`
				AvgPrice string `json:"avgPrice"`
				Leverage string `json:"leverage"`
				LiqPrice string `json:"liqPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}

	var positions []*domain.Position
	for _, item := range result.Result.List {
		size, _ := strconv.ParseFloat(item.Size, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(item.AvgPrice, 64)
		lev, _ := strconv.ParseFloat(item.Leverage, 64)
		liq, _ := strconv.ParseFloat(item.LiqPrice, 64)
		side := domain.SideLong
		if item.Side == "Sell" {
			side = domain.SideShort
		}
		positions = append(positions, &domain.Position{
			Symbol:     item.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: entry,
			Leverage:   lev,
			LiqPrice:   liq,
		})
	}
	return positions, nil
}

func (b *BybitAdapter) OpenOrders(ctx context.Context) ([]*domain.OpenOrder, error) {
	resp, err := b.sendRequest(ctx, "GET", "/v5/order/realtime?category=linear&settleCoin=USDT", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol  string `json:"symbol"`
				OrderID string `json:"orderId"`
				Side    string `json:"side"`
				Qty     string `json:"qty"`
				Price   string `json:"price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}

	var orders []*domain.OpenOrder
	for _, item := range result.Result.List {
		qty, _ := strconv.ParseFloat(item.Qty, 64)
		price, _ := strconv.ParseFloat(item.Price, 64)
		side := domain.SideLong
		if item.Side == "Sell" {
			side = domain.SideShort
		}
		orders = append(orders, &domain.OpenOrder{
			Symbol:  item.Symbol,
			OrderID: item.OrderID,
			Side:    side,
			Qty:     qty,
			Price:   price,
		})
	}
	return orders, nil
}

// --- CandleSource ---

func (b *BybitAdapter) Candles(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Candle, error) {
	if !start.Before(end) {
		return nil, nil
	}
	interval, ok := intervalCodes[tf]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %s", tf)
	}

	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&start=%d&end=%d&limit=1000",
		symbol, interval, start.UnixMilli(), end.UnixMilli())
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit kline error: %d", result.RetCode)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			OpenTime: ts,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}

	// Bybit returns newest first; the cascade wants chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// --- AccountSource ---

func (b *BybitAdapter) EquityUSDT(ctx context.Context) (float64, error) {
	resp, err := b.sendRequest(ctx, "GET", "/v5/account/wallet-balance?accountType=UNIFIED&coin=USDT", nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit api error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("no wallet balance returned")
	}
	return strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
}

// --- OrderSubmitter ---

// Submit places the plan as a post-only entry plus reduce-only target and stop
// orders. The plan prices are already on the tick grid.
func (b *BybitAdapter) Submit(ctx context.Context, plan *domain.OrderPlan) error {
	entrySide := "Buy"
	exitSide := "Sell"
	if plan.Side == domain.SideShort {
		entrySide, exitSide = "Sell", "Buy"
	}

	if !plan.ReduceOnly {
		entry := map[string]interface{}{
			"category":    "linear",
			"symbol":      plan.Symbol,
			"side":        entrySide,
			"orderType":   "Limit",
			"qty":         formatQty(plan.TotalQty),
			"price":       formatQty(plan.EntryPrice),
			"timeInForce": "GTC",
			"stopLoss":    formatQty(plan.StopPrice),
		}
		if plan.PostOnly {
			entry["timeInForce"] = "PostOnly"
		}
		if err := b.createOrder(ctx, entry); err != nil {
			return fmt.Errorf("entry order: %w", err)
		}
	}

	tp := map[string]interface{}{
		"category":    "linear",
		"symbol":      plan.Symbol,
		"side":        exitSide,
		"orderType":   "Limit",
		"qty":         formatQty(plan.TP1Qty),
		"price":       formatQty(plan.TP1Price),
		"timeInForce": "GTC",
		"reduceOnly":  true,
	}
	if err := b.createOrder(ctx, tp); err != nil {
		return fmt.Errorf("tp1 order: %w", err)
	}
	return nil
}

func (b *BybitAdapter) createOrder(ctx context.Context, payload map[string]interface{}) error {
	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return err
	}
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if result.RetCode != 0 {
		return fmt.Errorf("bybit order error: %s", result.RetMsg)
	}
	return nil
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- Public kline stream ---

// SubscribeKlines opens the public stream and tracks the latest close per
// symbol. The coordinator uses it as a liveness feed; REST remains the source
// of truth for historical candles.
func (b *BybitAdapter) SubscribeKlines(symbols []string, tf domain.Timeframe) error {
	interval, ok := intervalCodes[tf]
	if !ok {
		return fmt.Errorf("unsupported timeframe %s", tf)
	}

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", b.wsURL, err)
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, fmt.Sprintf("kline.%s.%s", interval, s))
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.wsConn = conn
	b.mu.Unlock()

	go b.readLoop(conn)
	return nil
}

func (b *BybitAdapter) CloseStream() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn != nil {
		b.wsConn.Close()
		b.wsConn = nil
	}
}

// LastPrice returns the latest streamed close for a symbol, zero when none
// has been seen yet.
func (b *BybitAdapter) LastPrice(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice[symbol]
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("kline stream closed", zap.Error(err))
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  []struct {
				Close string `json:"close"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "kline.") || len(event.Data) == 0 {
			continue
		}
		parts := strings.Split(event.Topic, ".")
		if len(parts) != 3 {
			continue
		}
		symbol := parts[2]
		price, err := strconv.ParseFloat(event.Data[len(event.Data)-1].Close, 64)
		if err != nil {
			continue
		}

		b.mu.Lock()
		b.lastPrice[symbol] = price
		b.mu.Unlock()
	}
}
