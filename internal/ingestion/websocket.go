package ingestion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/oi-bucket-tracker/internal/config"
	"github.com/oi-bucket-tracker/internal/state"
)

const (
	modeLTP           = 1
	actionSubscribe   = 1
	exchangeNSECash   = 1
	ltpPacketSize     = 51
	heartbeatInterval = 30 * time.Second
)

// TokenSource returns the current session tokens.
type TokenSource func() Tokens

// TickStream subscribes to last-traded prices of the index spot tokens and
// writes them into the tick cache. The poll loop prefers a fresh tick over a
// REST lookup.
type TickStream struct {
	url            string
	apiKey         string
	clientCode     string
	tokens         TokenSource
	spotTokens     []string
	reconnectDelay time.Duration
	cache          *state.TickCache
	logger         zerolog.Logger
}

func NewTickStream(cfg config.BrokerConfig, polling config.PollingConfig, spotTokens []string, tokens TokenSource, cache *state.TickCache, logger zerolog.Logger) *TickStream {
	delay := config.Seconds(polling.WebSocketReconnectDelaySecs)
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return &TickStream{
		url:            cfg.WebSocketURL,
		apiKey:         cfg.APIKey,
		clientCode:     cfg.ClientCode,
		tokens:         tokens,
		spotTokens:     spotTokens,
		reconnectDelay: delay,
		cache:          cache,
		logger:         logger.With().Str("component", "tickstream").Logger(),
	}
}

func (w *TickStream) Run(ctx context.Context) error {
	delay := w.reconnectDelay
	maxDelay := 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connected, err := w.connectAndListen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = w.reconnectDelay
		}
		if err != nil {
			w.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Tick stream disconnected")
		} else {
			w.logger.Info().Msg("Tick stream closed normally")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (w *TickStream) connectAndListen(ctx context.Context) (bool, error) {
	t := w.tokens()
	if t.JWT == "" || t.Feed == "" {
		return false, fmt.Errorf("%w: no feed token", ErrAuth)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.JWT)
	header.Set("x-api-key", w.apiKey)
	header.Set("x-client-code", w.clientCode)
	header.Set("x-feed-token", t.Feed)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(w.subscription()); err != nil {
		return true, fmt.Errorf("failed to subscribe: %w", err)
	}
	w.logger.Info().Int("tokens", len(w.spotTokens)).Msg("Tick stream subscribed")

	done := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			kind, message, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			tick, err := ParseLTPPacket(message)
			if err != nil {
				w.logger.Debug().Err(err).Msg("Dropping tick packet")
				continue
			}
			w.cache.Put(tick)
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return true, ctx.Err()
		case err := <-done:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				return true, err
			}
		}
	}
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int            `json:"mode"`
	TokenList []tokenListing `json:"tokenList"`
}

type tokenListing struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

func (w *TickStream) subscription() subscribeRequest {
	id := uuid.NewString()
	return subscribeRequest{
		CorrelationID: id[:10],
		Action:        actionSubscribe,
		Params: subscribeParams{
			Mode:      modeLTP,
			TokenList: []tokenListing{{ExchangeType: exchangeNSECash, Tokens: w.spotTokens}},
		},
	}
}

var errShortPacket = errors.New("tick packet too short")

// ParseLTPPacket decodes a little-endian LTP-mode packet. Prices arrive in
// paise.
func ParseLTPPacket(b []byte) (state.Tick, error) {
	if len(b) < ltpPacketSize {
		return state.Tick{}, errShortPacket
	}
	if b[0] != modeLTP {
		return state.Tick{}, fmt.Errorf("unsupported tick mode %d", b[0])
	}

	raw := b[2:27]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	token := string(raw[:n])
	if token == "" {
		return state.Tick{}, fmt.Errorf("tick packet without token")
	}

	exchangeMillis := int64(binary.LittleEndian.Uint64(b[35:43]))
	ltp := int64(binary.LittleEndian.Uint64(b[43:51]))

	return state.Tick{
		Token: token,
		LTP:   float64(ltp) / 100,
		At:    time.UnixMilli(exchangeMillis),
	}, nil
}
