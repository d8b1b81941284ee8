package testbackend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/mimir/internal/protocol"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrUnknownConnection is returned for a connection id that is not open.
var ErrUnknownConnection = errors.New("unknown connection")

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	maxFrameSize = 65536
)

// connection is one accepted push socket.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// registry tracks open push connections by the id handed out in helloAck.
type registry struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
	// pending holds accepted sockets that have not said hello yet.
	pending map[*connection]bool
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*connection),
		pending: make(map[*connection]bool),
	}
}

// handleWebSocket upgrades the request and runs the connection pumps.
func (r *registry) handleWebSocket(c echo.Context) error {
	ws, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		r.log.Error("failed to upgrade websocket", slog.String("error", err.Error()))
		return err
	}
	ws.SetReadLimit(maxFrameSize)

	conn := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, 256),
	}
	r.mu.Lock()
	r.pending[conn] = true
	r.mu.Unlock()

	go r.writePump(conn)
	go r.readPump(conn)
	return nil
}

func (r *registry) readPump(conn *connection) {
	defer func() {
		r.unregister(conn)
		conn.ws.Close()
	}()

	_ = conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				r.log.Warn("websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			r.log.Warn("invalid client message", slog.String("error", err.Error()))
			continue
		}
		if _, ok := ev.(protocol.Hello); ok {
			r.handleHello(conn)
		}
	}
}

func (r *registry) writePump(conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				r.log.Warn("failed to write message", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *registry) handleHello(conn *connection) {
	r.mu.Lock()
	delete(r.pending, conn)
	r.conns[conn.id] = conn
	r.mu.Unlock()

	if err := r.sendRaw(conn, protocol.HelloAck{ConnectionID: conn.id}); err != nil {
		r.log.Warn("failed to send helloAck", slog.String("error", err.Error()))
		return
	}
	r.log.Debug("hello handshake completed", slog.String("connection_id", conn.id))
}

func (r *registry) unregister(conn *connection) {
	r.mu.Lock()
	delete(r.pending, conn)
	delete(r.conns, conn.id)
	r.mu.Unlock()
	conn.close()
}

// send delivers ev to the connection with the given id.
func (r *registry) send(connectionID string, ev protocol.Event) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return r.sendRaw(conn, ev)
}

// sendFrame delivers a raw frame, bypassing encoding.
func (r *registry) sendFrame(connectionID string, data []byte) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return r.enqueue(conn, data)
}

func (r *registry) sendRaw(conn *connection, ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.enqueue(conn, data)
}

func (r *registry) enqueue(conn *connection, data []byte) (err error) {
	defer func() {
		// send on a connection closed by unregister
		if recover() != nil {
			err = ErrUnknownConnection
		}
	}()
	select {
	case conn.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ids returns the ids of connections that completed the handshake.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// dropAll closes every socket. Clients see an abnormal closure.
func (r *registry) dropAll() {
	r.mu.RLock()
	var all []*connection
	for _, c := range r.conns {
		all = append(all, c)
	}
	for c := range r.pending {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.ws.Close()
	}
}
