// Package bybit adapts the Bybit v5 linear perpetual API to common.Venue.
// Bybit attaches stops to the position itself, so protection updates are a
// single atomic trading-stop call.
package bybit

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
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

const venueName = "bybit"

// Config holds Bybit credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	Quotes     []string
	BaseURL    string // overrides the production/testnet host, used in tests
}

// Client handles Bybit v5 linear contracts.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weight     *common.WeightTracker
	log        zerolog.Logger
}

// NewClient creates a new Bybit client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if len(cfg.Quotes) == 0 {
		cfg.Quotes = []string{"USDT", "USDC"}
	}
	l := log.With().Str("component", "bybit_linear").Logger()
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        l,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, l)
	c.weight = common.NewWeightTracker(600, 5*time.Second, l)
	return c
}

// TimeSync exposes the clock offset tracker so the caller can start it.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

// Weight exposes venue-reported request usage.
func (c *Client) Weight() *common.WeightTracker { return c.weight }

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

type envelope struct {
	RetCode int64           `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// ServerTime fetches the venue clock in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	env, err := c.do(ctx, http.MethodGet, "/v5/market/time", url.Values{}, nil, false, "server_time")
	if err != nil {
		return 0, err
	}
	var res struct {
		TimeSecond string `json:"timeSecond"`
	}
	if err := json.Unmarshal(env.Result, &res); err == nil && res.TimeSecond != "" {
		if s, err := strconv.ParseInt(res.TimeSecond, 10, 64); err == nil {
			return s * 1000, nil
		}
	}
	return env.Time, nil
}

// get performs a GET, signed when private.
func (c *Client) get(ctx context.Context, path string, q url.Values, private bool, op string, out any) error {
	env, err := c.do(ctx, http.MethodGet, path, q, nil, private, op)
	if err != nil {
		return err
	}
	return decodeResult(env, op, out)
}

// post performs a signed JSON POST.
func (c *Client) post(ctx context.Context, path string, body map[string]any, op string, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit %s: encode: %w", op, err)
	}
	env, err := c.do(ctx, http.MethodPost, path, nil, raw, true, op)
	if err != nil {
		return err
	}
	return decodeResult(env, op, out)
}

func decodeResult(env *envelope, op string, out any) error {
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return common.NewError(common.KindTransient, venueName, op, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// do handles signing and sending requests.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, private bool, op string) (*envelope, error) {
	endpoint := c.baseURL + path
	query := ""
	if q != nil {
		query = q.Encode()
	}
	if query != "" {
		endpoint += "?" + query
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if private {
		if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
			return nil, common.Errorf(common.KindAuth, venueName, op, "API key/secret required")
		}
		ts := strconv.FormatInt(c.now(), 10)
		recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
		payload := query
		if method == http.MethodPost {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", sign(ts+c.cfg.APIKey+recv+payload, c.cfg.APISecret))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if kind := common.KindOf(err); kind != common.KindUnknown {
			return nil, common.NewError(kind, venueName, op, err)
		}
		return nil, err
	}
	defer res.Body.Close()

	if c.weight != nil {
		c.weight.UpdateFromRemaining(res.Header.Get("X-Bapi-Limit-Status"), res.Header.Get("X-Bapi-Limit"))
	}

	raw, _ := io.ReadAll(res.Body)
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusForbidden:
		return nil, &common.Error{Kind: common.KindRateLimit, Venue: venueName, Op: op, Code: int64(res.StatusCode), Msg: string(raw)}
	case res.StatusCode >= 500:
		return nil, &common.Error{Kind: common.KindTransient, Venue: venueName, Op: op, Code: int64(res.StatusCode), Msg: string(raw)}
	case res.StatusCode >= 300:
		return nil, &common.Error{Kind: common.KindUnknown, Venue: venueName, Op: op, Code: int64(res.StatusCode), Msg: string(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, common.NewError(common.KindTransient, venueName, op, fmt.Errorf("decode envelope: %w", err))
	}
	if env.RetCode != 0 {
		return nil, &common.Error{Kind: kindForRetCode(env.RetCode), Venue: venueName, Op: op, Code: env.RetCode, Msg: env.RetMsg}
	}
	return &env, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
