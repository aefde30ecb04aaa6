package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/oi-bucket-tracker/internal/bucket"
	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/metrics"
	"github.com/oi-bucket-tracker/internal/state"
)

const (
	loginPath    = "/rest/auth/angelbroking/user/v1/loginByPassword"
	logoutPath   = "/rest/secure/angelbroking/user/v1/logout"
	quotePath    = "/rest/secure/angelbroking/market/v1/quote/"
	candlePath   = "/rest/secure/angelbroking/historical/v1/getCandleData"
	ltpPath      = "/rest/secure/angelbroking/order/v1/getLtpData"
	greeksPath   = "/rest/secure/angelbroking/marketData/v1/optionGreek"
	candleLayout = "2006-01-02 15:04"

	// MaxQuoteTokens is the broker's limit of tokens per quote request.
	MaxQuoteTokens = 50
)

// Token errors returned in the response body rather than as HTTP status.
var authErrorCodes = map[string]bool{"AG8001": true, "AG8002": true, "AG8003": true, "AB1010": true}

// RESTClient implements Session against the broker's JSON REST API. Every
// call goes through a rate limiter and a circuit breaker.
type RESTClient struct {
	baseURL     string
	catalogURL  string
	creds       Credentials
	client      *http.Client
	rateLimiter *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	id          identity
	logger      zerolog.Logger
	now         func() time.Time

	mu     sync.RWMutex
	tokens Tokens
}

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// flexFloat decodes numbers that the broker sends either as JSON numbers or
// as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

func NewRESTClient(cfg config.BrokerConfig, polling config.PollingConfig, m *metrics.Registry, logger zerolog.Logger) *RESTClient {
	perSecond := polling.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 3
	}
	timeout := config.Seconds(polling.RequestTimeoutSecs)
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	logger = logger.With().Str("component", "broker").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoData) || errors.Is(err, ErrAuth)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		catalogURL: cfg.CatalogURL,
		creds: Credentials{
			APIKey:     cfg.APIKey,
			ClientCode: cfg.ClientCode,
			PIN:        cfg.PIN,
			TOTPSecret: cfg.TOTPSecret,
		},
		client:      &http.Client{Timeout: timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
		breaker:     breaker,
		id:          detectIdentity(),
		logger:      logger,
		now:         time.Now,
	}
}

// Tokens returns the tokens of the current session.
func (c *RESTClient) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

func (c *RESTClient) Login(ctx context.Context) error {
	if err := c.creds.Validate(); err != nil {
		return err
	}
	otp, err := c.creds.OTP(c.now())
	if err != nil {
		return err
	}

	payload := map[string]string{
		"clientcode": c.creds.ClientCode,
		"password":   c.creds.PIN,
		"totp":       otp,
	}
	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.post(ctx, loginPath, payload, &data, false); err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if data.JWTToken == "" {
		return fmt.Errorf("%w: login returned no token", ErrAuth)
	}

	c.mu.Lock()
	c.tokens = Tokens{JWT: data.JWTToken, Refresh: data.RefreshToken, Feed: data.FeedToken, IssuedAt: c.now()}
	c.mu.Unlock()

	c.logger.Info().Str("client", c.creds.ClientCode).Msg("Broker session established")
	return nil
}

func (c *RESTClient) Logout(ctx context.Context) error {
	if c.Tokens().JWT == "" {
		return nil
	}
	err := c.post(ctx, logoutPath, map[string]string{"clientcode": c.creds.ClientCode}, nil, true)

	c.mu.Lock()
	c.tokens = Tokens{}
	c.mu.Unlock()
	return err
}

type quoteRow struct {
	SymbolToken   string    `json:"symbolToken"`
	TradingSymbol string    `json:"tradingSymbol"`
	LTP           flexFloat `json:"ltp"`
	OpenInterest  flexFloat `json:"opnInterest"`
	TradeVolume   flexFloat `json:"tradeVolume"`
	NetChange     flexFloat `json:"netChange"`
	PercentChange flexFloat `json:"percentChange"`
}

// BatchQuote fetches full quotes. Requests are split at MaxQuoteTokens.
// A failed chunk fails the call; tokens the broker did not return are
// simply absent.
func (c *RESTClient) BatchQuote(ctx context.Context, exchange string, tokens []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(tokens))
	for start := 0; start < len(tokens); start += MaxQuoteTokens {
		end := start + MaxQuoteTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		payload := map[string]any{
			"mode":           "FULL",
			"exchangeTokens": map[string][]string{exchange: tokens[start:end]},
		}
		var data struct {
			Fetched   []quoteRow `json:"fetched"`
			Unfetched []struct {
				SymbolToken string `json:"symbolToken"`
				Message     string `json:"message"`
			} `json:"unfetched"`
		}
		if err := c.post(ctx, quotePath, payload, &data, true); err != nil {
			return out, fmt.Errorf("quote request failed: %w", err)
		}

		for _, q := range data.Fetched {
			out[q.SymbolToken] = Quote{
				Token:         q.SymbolToken,
				Symbol:        q.TradingSymbol,
				LTP:           float64(q.LTP),
				OI:            int64(q.OpenInterest),
				Volume:        int64(q.TradeVolume),
				NetChange:     float64(q.NetChange),
				PercentChange: float64(q.PercentChange),
			}
		}
		if len(data.Unfetched) > 0 {
			c.logger.Debug().Int("count", len(data.Unfetched)).Str("exchange", exchange).Msg("Tokens not returned by quote")
		}
	}
	return out, nil
}

// Candles fetches 3-minute bars for token between from and to.
func (c *RESTClient) Candles(ctx context.Context, exchange, token string, from, to time.Time) ([]state.Candle, error) {
	payload := map[string]string{
		"exchange":    exchange,
		"symboltoken": token,
		"interval":    "THREE_MINUTE",
		"fromdate":    from.In(bucket.Exchange).Format(candleLayout),
		"todate":      to.In(bucket.Exchange).Format(candleLayout),
	}
	var data [][]json.RawMessage
	if err := c.post(ctx, candlePath, payload, &data, true); err != nil {
		return nil, fmt.Errorf("candle request failed: %w", err)
	}
	return parseCandles(data)
}

func parseCandles(data [][]json.RawMessage) ([]state.Candle, error) {
	out := make([]state.Candle, 0, len(data))
	for _, bar := range data {
		if len(bar) < 6 {
			continue
		}
		var ts string
		if err := json.Unmarshal(bar[0], &ts); err != nil {
			return nil, fmt.Errorf("invalid candle timestamp: %w", err)
		}
		start, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid candle timestamp %q: %w", ts, err)
		}

		var v [5]flexFloat
		for i := range v {
			if err := json.Unmarshal(bar[i+1], &v[i]); err != nil {
				return nil, fmt.Errorf("invalid candle value: %w", err)
			}
		}
		out = append(out, state.Candle{
			Start:  start,
			Open:   float64(v[0]),
			High:   float64(v[1]),
			Low:    float64(v[2]),
			Close:  float64(v[3]),
			Volume: int64(v[4]),
		})
	}
	return out, nil
}

func (c *RESTClient) IndexLTP(ctx context.Context, exchange, name, token string) (float64, error) {
	payload := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": name,
		"symboltoken":   token,
	}
	var data struct {
		LTP flexFloat `json:"ltp"`
	}
	if err := c.post(ctx, ltpPath, payload, &data, true); err != nil {
		return 0, fmt.Errorf("ltp request for %s failed: %w", name, err)
	}
	if data.LTP <= 0 {
		return 0, fmt.Errorf("ltp for %s: %w", name, ErrNoData)
	}
	return float64(data.LTP), nil
}

type greekRow struct {
	StrikePrice       flexFloat `json:"strikePrice"`
	OptionType        string    `json:"optionType"`
	Delta             flexFloat `json:"delta"`
	Gamma             flexFloat `json:"gamma"`
	Theta             flexFloat `json:"theta"`
	Vega              flexFloat `json:"vega"`
	ImpliedVolatility flexFloat `json:"impliedVolatility"`
}

func (c *RESTClient) OptionGreeks(ctx context.Context, name string, expiry time.Time) ([]OptionGreek, error) {
	payload := map[string]string{
		"name":       name,
		"expirydate": strings.ToUpper(expiry.Format("02Jan2006")),
	}
	var data []greekRow
	if err := c.post(ctx, greeksPath, payload, &data, true); err != nil {
		return nil, fmt.Errorf("greeks request for %s failed: %w", name, err)
	}

	out := make([]OptionGreek, 0, len(data))
	for _, g := range data {
		side, err := state.ParseSide(g.OptionType)
		if err != nil {
			continue
		}
		out = append(out, OptionGreek{
			Strike: int(g.StrikePrice),
			Side:   side,
			Greeks: state.Greeks{
				Delta: float64(g.Delta),
				Gamma: float64(g.Gamma),
				Theta: float64(g.Theta),
				Vega:  float64(g.Vega),
				IV:    float64(g.ImpliedVolatility),
			},
		})
	}
	return out, nil
}

// post sends one JSON request through the limiter and the breaker and
// decodes the envelope's data into out.
func (c *RESTClient) post(ctx context.Context, path string, payload, out any, authed bool) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, path, payload, out, authed)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("broker unavailable: %w", err)
	}
	return err
}

func (c *RESTClient) roundTrip(ctx context.Context, path string, payload, out any, authed bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	jwt := ""
	if authed {
		jwt = c.Tokens().JWT
		if jwt == "" {
			return fmt.Errorf("%w: not logged in", ErrAuth)
		}
	}
	c.id.setHeaders(req, c.creds.APIKey, jwt)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(b))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Status {
		if authErrorCodes[env.ErrorCode] {
			return fmt.Errorf("%w: %s (%s)", ErrAuth, env.Message, env.ErrorCode)
		}
		return fmt.Errorf("broker error %s: %s", env.ErrorCode, env.Message)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		if out != nil {
			return ErrNoData
		}
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}
