// Package wsconn adapts a gorilla/websocket connection to registry.Conn,
// the control plane's transport-agnostic port. Unlike a push-only hub
// client, a Conn here is bidirectional: inbound frames are parsed and
// handed to a caller-supplied handler as they arrive.
package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
)

const (
	// writeWait bounds a single frame write so a stalled peer can never
	// wedge the writer goroutine.
	writeWait = 10 * time.Second
	// pongWait is how long the server waits for a pong before considering
	// the connection dead.
	pongWait = 60 * time.Second
	// pingPeriod must be comfortably under pongWait so the client has time
	// to answer.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds a single inbound frame. Graph payloads can be
	// sizable but are not unbounded.
	maxMessageSize = 1 << 20
	// criticalBufferSize is the capacity of the send-critical queue.
	criticalBufferSize = 16
	// bestEffortBufferSize is the capacity of the send-best-effort queue —
	// small, since a full buffer means the frame is dropped outright
	// (spec §4.5, "Send discipline").
	bestEffortBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FrameHandler is invoked on the readPump goroutine for every inbound
// message. ok is false when the payload did not parse into a recognized
// Frame (spec §4.1/§7, "Malformed or unrecognized frame").
type FrameHandler func(conn *Conn, frame codec.Frame, ok bool)

// Conn is a single WebSocket peer, wired into the control plane as a
// registry.Conn. Exactly one goroutine (writePump) ever writes to the
// underlying gorilla connection.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	critical   chan sendRequest
	bestEffort chan codec.Frame

	closedCh  chan struct{}
	closeOnce sync.Once

	onFrame FrameHandler
}

type sendRequest struct {
	frame codec.Frame
	done  chan error
}

// Upgrade performs the HTTP -> WebSocket handshake and returns a Conn ready
// to Run. onFrame is called for every inbound message once Run starts.
func Upgrade(w http.ResponseWriter, r *http.Request, onFrame FrameHandler, logger *zap.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{
		ws:         ws,
		logger:     logger,
		critical:   make(chan sendRequest, criticalBufferSize),
		bestEffort: make(chan codec.Frame, bestEffortBufferSize),
		closedCh:   make(chan struct{}),
		onFrame:    onFrame,
	}, nil
}

// Run starts the writer goroutine and blocks on the reader loop until the
// connection closes. Callers invoke it in its own goroutine per accepted
// WebSocket upgrade.
func (c *Conn) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer c.Close("connection closed")

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("wsconn: failed to set read deadline", zap.Error(err))
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("wsconn: unexpected close", zap.Error(err))
			}
			return
		}

		frame, ok := codec.Parse(raw)
		if c.onFrame != nil {
			c.onFrame(c, frame, ok)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case req, ok := <-c.critical:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			req.done <- c.writeFrame(req.frame)

		case frame, ok := <-c.bestEffort:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				c.logger.Warn("wsconn: best-effort send failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closedCh:
			return
		}
	}
}

func (c *Conn) writeFrame(frame codec.Frame) error {
	payload, err := codec.Marshal(frame)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// SendCritical queues frame and waits for it to be written or for ctx to
// expire. Used for frames the protocol cannot afford to silently drop
// (session, status, data, stopped, error — spec §4.5, "Send discipline").
func (c *Conn) SendCritical(ctx context.Context, frame codec.Frame) error {
	req := sendRequest{frame: frame, done: make(chan error, 1)}
	select {
	case c.critical <- req:
	case <-c.closedCh:
		return errConnClosed{}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-c.closedCh:
		return errConnClosed{}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendBestEffort enqueues frame without blocking. If the buffer is full the
// frame is dropped (spec §4.5, "Send discipline" — used for progress).
func (c *Conn) SendBestEffort(frame codec.Frame) {
	select {
	case c.bestEffort <- frame:
	default:
		c.logger.Warn("wsconn: dropped best-effort frame, buffer full")
	}
}

// Close tears the connection down, idempotently. reason is logged but not
// sent to the peer: the writer goroutine closes the underlying network
// connection without sending a WebSocket close frame.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.logger.Info("wsconn: closing connection", zap.String("reason", reason))
	})
}

// Closed returns a channel closed once this connection has been torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

type errConnClosed struct{}

func (errConnClosed) Error() string { return "wsconn: connection closed" }
