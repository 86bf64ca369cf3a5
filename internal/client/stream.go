package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// graphql-transport-ws protocol message types
const (
	gqlConnectionInit      = "connection_init"
	gqlConnectionAck       = "connection_ack"
	gqlSubscribe           = "subscribe"
	gqlNext                = "next"
	gqlError               = "error"
	gqlComplete            = "complete"
	gqlConnectionKeepAlive = "ka"
	gqlPing                = "ping"
	gqlPong                = "pong"
)

const jobProgressSubscription = `
	subscription JobProgress($id: ID!) {
		jobProgress(id: $id) {
			progress
			ready
			error
		}
	}
`

// wsMessage represents a graphql-transport-ws protocol message.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsSubscribePayload is the payload for subscribe messages.
type wsSubscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ProgressEvent is one notification from the job progress subscription.
type ProgressEvent struct {
	Progress *float64 `json:"progress,omitempty"`
	Ready    bool     `json:"ready"`
	Error    *string  `json:"error,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// streamURL returns the websocket endpoint for subscriptions.
func (c *Client) streamURL() string {
	if c.cfg.StreamURL != "" {
		return c.cfg.StreamURL
	}
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/graphql"
	return u.String()
}

// streamWait subscribes to job progress and returns once the job is ready.
func (c *Client) streamWait(ctx context.Context, h Handle, report func(float64)) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"graphql-transport-ws"},
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "JWT "+c.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, c.streamURL(), header)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	sctx, stop := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(sctx)

	// Closing the connection unblocks any pending read, including the
	// handshake, when ctx ends.
	g.Go(func() error {
		<-gctx.Done()
		closeConn()
		return nil
	})
	g.Go(func() error {
		defer stop()
		if err := c.subscribe(conn, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		return c.readEvents(ctx, conn, h, report)
	})

	return g.Wait()
}

// subscribe runs the connection_init handshake and starts the job progress
// subscription for h.
func (c *Client) subscribe(conn *websocket.Conn, h Handle) error {
	if err := conn.WriteJSON(wsMessage{Type: gqlConnectionInit}); err != nil {
		return fmt.Errorf("send connection_init: %w", err)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read connection_ack: %w", err)
	}
	if ack.Type != gqlConnectionAck {
		return fmt.Errorf("expected connection_ack, got %s", ack.Type)
	}

	subscriptionID := uuid.New().String()
	payload, err := json.Marshal(wsSubscribePayload{
		Query:     jobProgressSubscription,
		Variables: map[string]any{"id": string(h)},
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe payload: %w", err)
	}
	if err := conn.WriteJSON(wsMessage{ID: subscriptionID, Type: gqlSubscribe, Payload: payload}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, h Handle, report func(float64)) error {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case gqlNext:
			var data struct {
				Data struct {
					JobProgress ProgressEvent `json:"jobProgress"`
				} `json:"data"`
				Errors []graphQLError `json:"errors,omitempty"`
			}
			if err := json.Unmarshal(msg.Payload, &data); err != nil {
				return fmt.Errorf("unmarshal next payload: %w", err)
			}
			if len(data.Errors) > 0 {
				return fmt.Errorf("subscription error: %s", data.Errors[0].Message)
			}

			event := data.Data.JobProgress
			if event.Error != nil && *event.Error != "" {
				return &JobError{Kind: JobErrorBackend, Handle: h, Message: *event.Error}
			}
			if event.Ready {
				return nil
			}
			if event.Progress != nil {
				report(*event.Progress)
			}

		case gqlError:
			var errs []graphQLError
			if err := json.Unmarshal(msg.Payload, &errs); err != nil || len(errs) == 0 {
				return fmt.Errorf("subscription error: %s", string(msg.Payload))
			}
			return fmt.Errorf("subscription error: %s", errs[0].Message)

		case gqlComplete:
			return fmt.Errorf("subscription completed before job %s finished", h)

		case gqlPing:
			if err := conn.WriteJSON(wsMessage{Type: gqlPong}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}

		case gqlConnectionKeepAlive:
			continue

		default:
			continue
		}
	}
}
