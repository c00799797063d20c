package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"paperbroker/internal/oracle"
)

// priceStream pushes quote snapshots to websocket subscribers on a fixed
// interval. Each subscriber gets its own ticker goroutine; a slow or dead
// peer only tears down its own connection.
type priceStream struct {
	feed     *oracle.SimulatedFeed
	interval time.Duration
	log      zerolog.Logger
}

func newPriceStream(feed *oracle.SimulatedFeed, interval time.Duration, log zerolog.Logger) *priceStream {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &priceStream{
		feed:     feed,
		interval: interval,
		log:      log.With().Str("component", "price_stream").Logger(),
	}
}

func (ps *priceStream) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		ps.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ps.log.Debug().Str("remote", r.RemoteAddr).Msg("Price stream subscriber connected")

	ctx := r.Context()
	if err := ps.push(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(ps.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := ps.push(ctx, conn); err != nil {
				ps.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Price stream subscriber dropped")
				return
			}
		}
	}
}

func (ps *priceStream) push(ctx context.Context, conn *websocket.Conn) error {
	quotes := ps.feed.ListQuotes()
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "quotes",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"quotes":    quotes,
	})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
