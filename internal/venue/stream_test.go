package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/thetopham/tradingview-bot/internal/metrics"
)

func staticToken(ctx context.Context) (string, error) { return "tok-1", nil }

func TestStreamTranslatesUserTrades(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		// The venue sends order ids as JSON numbers.
		conn.WriteJSON(map[string]any{
			"event": "GatewayUserTrade",
			"data": map[string]any{
				"orderId": 9001, "accountId": 1001, "contractId": "MES",
				"price": 5000.25, "size": 2,
				"creationTimestamp": "2025-06-02T10:00:05Z",
			},
		})
		conn.WriteJSON(map[string]any{
			"event": "GatewayUserTrade",
			"data": map[string]any{
				"orderId": 9002, "accountId": 1001, "contractId": "MES",
				"price": 5010.5, "size": 2, "profitAndLoss": 102.5,
				"creationTimestamp": "2025-06-02T10:10:05Z",
			},
		})
		// Keep the socket open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewStream(url, staticToken, []int{1001}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make(chan Event, 8)
	fillsBefore := testutil.ToFloat64(metrics.VenueEventsTotal.WithLabelValues(string(EventFill)))
	closesBefore := testutil.ToFloat64(metrics.VenueEventsTotal.WithLabelValues(string(EventClose)))
	go stream.Run(ctx, out)

	first := <-out
	if first.Kind != EventFill || first.Fill == nil || first.Fill.VenueOrderID != "9001" {
		t.Fatalf("expected fill event first, got %+v", first)
	}
	if first.Fill.Price != 5000.25 {
		t.Fatalf("unexpected fill price %v", first.Fill.Price)
	}

	second := <-out
	if second.Kind != EventClose || second.Close == nil {
		t.Fatalf("expected close event second, got %+v", second)
	}
	if second.Close.RealizedPnL != 102.5 {
		t.Fatalf("unexpected realized pnl %v", second.Close.RealizedPnL)
	}

	// Counting happens when the worker handles the event, not here; the stream
	// incrementing too would double every fill and close.
	fills := testutil.ToFloat64(metrics.VenueEventsTotal.WithLabelValues(string(EventFill)))
	closes := testutil.ToFloat64(metrics.VenueEventsTotal.WithLabelValues(string(EventClose)))
	if fills != fillsBefore || closes != closesBefore {
		t.Fatalf("stream translation must not count events: fills %v->%v closes %v->%v",
			fillsBefore, fills, closesBefore, closes)
	}
}

func TestStreamEmitsDisconnectOnDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub map[string]any
		conn.ReadJSON(&sub)
		// Drop the connection right after the subscribe.
		conn.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewStream(url, staticToken, []int{1001}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make(chan Event, 8)
	go stream.Run(ctx, out)

	select {
	case ev := <-out:
		if ev.Kind != EventDisconnect {
			t.Fatalf("expected disconnect event, got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for disconnect event")
	}
}
