package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/crypto"
	"github.com/vantagebot/tradesync/internal/domain"
)

const defaultRESTTimeout = 10 * time.Second

// Client is the Binance spot REST client. Only the endpoints the sync core
// needs are implemented: depth snapshots, open orders, account trades, and
// the user-data-stream listen key.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

// NewClient creates a REST client. auth may be nil for public-only use
// (depth snapshots).
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{Timeout: defaultRESTTimeout},
	}
}

// Depth fetches the order book snapshot for a pair and returns the raw
// payload for the adapter.
func (c *Client) Depth(ctx context.Context, tradingPair string, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(tradingPair))
	params.Set("limit", strconv.Itoa(limit))
	return c.public(ctx, "/api/v3/depth", params)
}

// OpenOrders returns the exchange order ids of every order currently open on
// the account.
func (c *Client) OpenOrders(ctx context.Context) ([]string, error) {
	body, err := c.signed(ctx, "/api/v3/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}
	var open []openOrder
	if err := json.Unmarshal(body, &open); err != nil {
		return nil, fmt.Errorf("binance: openOrders: %w: %w", domain.ErrMalformedMessage, err)
	}
	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

// FillHistory returns the account's trades since the given time across the
// given pairs, mapped to canonical order updates keyed by exchange order id.
func (c *Client) FillHistory(ctx context.Context, tradingPairs []string, since time.Time) ([]domain.OrderUpdate, error) {
	var out []domain.OrderUpdate
	for _, pair := range tradingPairs {
		params := url.Values{}
		params.Set("symbol", Symbol(pair))
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))

		body, err := c.signed(ctx, "/api/v3/myTrades", params)
		if err != nil {
			return nil, err
		}
		var trades []accountTrade
		if err := json.Unmarshal(body, &trades); err != nil {
			return nil, fmt.Errorf("binance: myTrades %s: %w: %w", pair, domain.ErrMalformedMessage, err)
		}
		for _, tr := range trades {
			upd, err := tr.orderUpdate()
			if err != nil {
				return nil, err
			}
			out = append(out, upd)
		}
	}
	return out, nil
}

// CreateListenKey opens a user-data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", fmt.Errorf("binance: listen key request: %w", err)
	}
	c.setAPIKey(req)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ListenKey == "" {
		return "", fmt.Errorf("binance: listen key response: %w", domain.ErrMalformedMessage)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a user-data stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/v3/userDataStream?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("binance: keepalive request: %w", err)
	}
	c.setAPIKey(req)
	_, err = c.do(req)
	return err
}

func (c *Client) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: request %s: %w", path, err)
	}
	return c.do(req)
}

// signed appends the timestamp and HMAC signature the way Binance's signed
// endpoints require and sends the request with the API key header.
func (c *Client) signed(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("binance: %s requires API credentials", path)
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()
	query += "&signature=" + c.auth.SignSHA256Hex(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: request %s: %w", path, err)
	}
	c.setAPIKey(req)
	return c.do(req)
}

func (c *Client) setAPIKey(req *http.Request) {
	if c.auth != nil {
		req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: %s returned %d: %s", req.URL.Path, resp.StatusCode, body)
	}
	return body, nil
}

// orderUpdate maps an account trade to a fill update. myTrades does not
// carry the client order id; the tracker resolves by exchange order id.
func (t accountTrade) orderUpdate() (domain.OrderUpdate, error) {
	qty, err := decimal.NewFromString(t.Qty)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("binance: trade qty %q: %w", t.Qty, domain.ErrMalformedMessage)
	}
	quoteQty, err := decimal.NewFromString(t.QuoteQty)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("binance: trade quote qty %q: %w", t.QuoteQty, domain.ErrMalformedMessage)
	}
	fee, err := decimal.NewFromString(t.Commission)
	if err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("binance: trade commission %q: %w", t.Commission, domain.ErrMalformedMessage)
	}
	return domain.OrderUpdate{
		ExchangeOrderID:    strconv.FormatInt(t.OrderID, 10),
		TradeID:            strconv.FormatInt(t.ID, 10),
		ExecutedDeltaBase:  qty,
		ExecutedDeltaQuote: quoteQty,
		FeeDelta:           fee,
		FeeAsset:           t.CommissionAsset,
		Timestamp:          float64(t.Time) / 1e3,
	}, nil
}
