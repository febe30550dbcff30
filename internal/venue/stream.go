package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/metrics"
)

type streamEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

const userTradeEvent = "GatewayUserTrade"

// TokenSource supplies a fresh session token for each dial.
type TokenSource func(ctx context.Context) (string, error)

// Stream consumes the venue's user event hub and converts frames into Events
// for the reconciliation worker. Every reconnect first pushes a disconnect
// event so the worker knows to catch up against venue state.
type Stream struct {
	url      string
	tokenFn  TokenSource
	accounts []int
	log      zerolog.Logger
}

func NewStream(url string, tokenFn TokenSource, accounts []int, log zerolog.Logger) *Stream {
	return &Stream{url: url, tokenFn: tokenFn, accounts: accounts, log: log}
}

// Run keeps the stream connected until the context ends, with exponential
// backoff between attempts.
func (s *Stream) Run(ctx context.Context, out chan<- Event) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	connectedOnce := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.consume(ctx, out, &connectedOnce, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("user event stream disconnected, retrying")
		if connectedOnce {
			metrics.StreamReconnects.Inc()
			select {
			case out <- Event{Kind: EventDisconnect}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (s *Stream) consume(ctx context.Context, out chan<- Event, connectedOnce *bool, backoff *time.Duration) error {
	token, err := s.tokenFn(ctx)
	if err != nil {
		return fmt.Errorf("stream token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url+"?access_token="+token, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"action":     "subscribe",
		"accountIds": s.accounts,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info().Ints("accounts", s.accounts).Msg("connected user event stream")
	*connectedOnce = true
	*backoff = time.Second

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.log.Warn().Err(err).Msg("stream ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env streamEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode stream frame")
			continue
		}
		event, ok := s.translate(env)
		if !ok {
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// translate maps a wire frame onto the worker's event union. A user trade with
// realized PnL attached is a position close; one without is a fill.
func (s *Stream) translate(env streamEnvelope) (Event, bool) {
	if env.Event != userTradeEvent {
		return Event{}, false
	}
	var trade Trade
	if err := json.Unmarshal(env.Data, &trade); err != nil {
		s.log.Warn().Err(err).Msg("failed to decode user trade")
		return Event{}, false
	}
	if trade.Voided {
		return Event{}, false
	}
	if trade.PnL != nil {
		return Event{Kind: EventClose, Close: &CloseEvent{
			AccountID:   trade.AccountID,
			Symbol:      trade.Symbol,
			Price:       trade.Price,
			RealizedPnL: *trade.PnL,
			Ts:          trade.Ts,
		}}, true
	}
	return Event{Kind: EventFill, Fill: &FillEvent{
		VenueOrderID: string(trade.OrderID),
		AccountID:    trade.AccountID,
		Symbol:       trade.Symbol,
		Price:        trade.Price,
		Size:         trade.Size,
		Ts:           trade.Ts,
	}}, true
}
