package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/action"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/auth"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/core"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/events"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// sendBuffer bounds the outbound queue. A client that cannot keep
	// up gets disconnected rather than stalling the bus.
	sendBuffer = 64
)

// request is one client frame.
type request struct {
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Types     []string        `json:"eventTypes,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
}

// response is one server frame. Exactly one of Result, Event, or Error
// is set, keyed by Type.
type response struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type"` // result | event | error | pong
	Result interface{}    `json:"result,omitempty"`
	Event  *events.Event  `json:"event,omitempty"`
	Error  *responseError `json:"error,omitempty"`
}

type responseError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// conn is one upgraded socket.
type conn struct {
	id   string
	api  *core.API
	ac   *auth.Context
	sock *websocket.Conn

	send chan response

	mu  sync.Mutex
	sub *events.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(api *core.API, ac *auth.Context, sock *websocket.Conn) *conn {
	return &conn{
		id:   uuid.NewString(),
		api:  api,
		ac:   ac,
		sock: sock,
		send: make(chan response, sendBuffer),
		done: make(chan struct{}),
	}
}

// run drives the read and write pumps until the socket closes.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump(ctx)
	c.close()
	wg.Wait()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.unsubscribe()
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *conn) unsubscribe() {
	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.mu.Unlock()
}

// enqueue queues a frame for the write pump. Returns false when the
// buffer is full or the connection is closing.
func (c *conn) enqueue(r response) bool {
	select {
	case c.send <- r:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) reply(id string, result interface{}) {
	c.enqueue(response{ID: id, Type: "result", Result: result})
}

func (c *conn) replyErr(id string, err error) {
	c.enqueue(response{ID: id, Type: "error", Error: &responseError{
		Kind:    string(types.KindOf(err)),
		Code:    types.CodeOf(err),
		Message: err.Error(),
	}})
}

func (c *conn) readPump(ctx context.Context) {
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("WebSocket read error")
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.replyErr("", types.NewError(types.KindInvalid, "ws_decode_failed", "malformed request frame"))
			continue
		}
		c.handle(ctx, &req)
	}
}

// handle dispatches one request frame. Execute runs inline: ordering of
// results on a single socket matches the order actions were sent.
func (c *conn) handle(ctx context.Context, req *request) {
	switch req.Method {
	case "ping":
		c.enqueue(response{ID: req.ID, Type: "pong"})

	case "subscribe":
		c.subscribe(ctx, req)

	case "unsubscribe":
		c.unsubscribe()
		c.reply(req.ID, map[string]interface{}{"subscribed": false})

	case "execute":
		c.execute(ctx, req)

	default:
		c.replyErr(req.ID, types.Errorf(types.KindInvalid, "ws_unknown_method", "unknown method %q", req.Method))
	}
}

func (c *conn) subscribe(ctx context.Context, req *request) {
	eventTypes := make([]events.Type, 0, len(req.Types))
	for _, t := range req.Types {
		eventTypes = append(eventTypes, events.Type(t))
	}

	sub, err := c.api.StreamEvents(ctx, c.ac, req.SessionID, eventTypes...)
	if err != nil {
		c.replyErr(req.ID, err)
		return
	}

	c.mu.Lock()
	if c.sub != nil {
		c.sub.Close()
	}
	c.sub = sub
	c.mu.Unlock()

	c.reply(req.ID, map[string]interface{}{"subscribed": true, "sessionId": req.SessionID})

	go c.forwardEvents(sub)
}

// forwardEvents copies one subscription's feed onto the socket. Exits
// when the subscription closes, which unsubscribe and close both do.
func (c *conn) forwardEvents(sub *events.Subscription) {
	for ev := range sub.C {
		e := ev
		if !c.enqueue(response{Type: "event", Event: &e}) {
			log.Warn().Str("conn_id", c.id).Msg("WebSocket send buffer full, closing slow consumer")
			c.close()
			return
		}
	}
}

func (c *conn) execute(ctx context.Context, req *request) {
	if req.SessionID == "" {
		c.replyErr(req.ID, types.NewError(types.KindInvalid, "ws_session_required", "execute requires sessionId"))
		return
	}
	if len(req.Action) == 0 {
		c.replyErr(req.ID, types.NewError(types.KindInvalid, "ws_action_required", "execute requires action"))
		return
	}

	act, err := action.ParseAction(req.Action)
	if err != nil {
		c.replyErr(req.ID, err)
		return
	}

	res, err := c.api.Execute(ctx, c.ac, req.SessionID, act)
	if err != nil && res == nil {
		c.replyErr(req.ID, err)
		return
	}
	c.reply(req.ID, res)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case r := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(r); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
