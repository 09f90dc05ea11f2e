package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cohortnet/quorum/dispatch"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Frame types on the data source channel.
const (
	frameHello = "hello"
	frameQuery = "query"
	frameReply = "reply"
)

// frame is the wire envelope exchanged with data sources.
type frame struct {
	Type          string          `json:"type"`
	DataSourceID  string          `json:"data_source_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	QueryType     string          `json:"query_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	NumRecords    int64           `json:"num_records,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// sourceConn is one connected data source.
type sourceConn struct {
	id   string
	conn *websocket.Conn
	send chan frame
}

// Hub is the websocket transport: data sources dial in, identify themselves
// with a hello frame, receive sub-query frames, and answer with reply
// frames carrying the correlation id.
type Hub struct {
	upgrader websocket.Upgrader
	replies  dispatch.ReplyHandler

	mu      sync.RWMutex
	sources map[string]*sourceConn

	log *zap.SugaredLogger
}

// NewHub creates a websocket transport hub.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = logger.Get()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		sources: make(map[string]*sourceConn),
		log:     log.With(logger.FieldComponent, "transport.hub"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// SetReplyHandler wires the dispatcher's reply path. Must be called before
// sources connect.
func (h *Hub) SetReplyHandler(handler dispatch.ReplyHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies = handler
}

// Send delivers a sub-query to a connected data source. A source that is
// not connected is unreachable: the dispatcher fails that child and moves
// on.
func (h *Hub) Send(ctx context.Context, msg dispatch.OutboundQuery) error {
	h.mu.RLock()
	source, ok := h.sources[msg.DataSourceID]
	h.mu.RUnlock()

	if !ok {
		return errors.Wrapf(errors.ErrDispatch, "data source %s is not connected", msg.DataSourceID)
	}

	out := frame{
		Type:          frameQuery,
		CorrelationID: msg.CorrelationID,
		QueryType:     string(msg.QueryType),
		Payload:       msg.Payload,
	}
	select {
	case source.send <- out:
		return nil
	default:
		return errors.Wrapf(errors.ErrDispatch, "send buffer full for data source %s", msg.DataSourceID)
	}
}

// ConnectedSources lists the ids of currently connected data sources.
func (h *Hub) ConnectedSources() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sources))
	for id := range h.sources {
		ids = append(ids, id)
	}
	return ids
}

// ServeWS upgrades an HTTP request into a data source connection. The first
// frame must be a hello identifying the source.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != frameHello || hello.DataSourceID == "" {
		h.log.Warnw("Data source failed to identify itself", logger.FieldError, err)
		conn.Close()
		return
	}

	source := &sourceConn{
		id:   hello.DataSourceID,
		conn: conn,
		send: make(chan frame, 64),
	}

	h.mu.Lock()
	if previous, ok := h.sources[source.id]; ok {
		previous.conn.Close()
	}
	h.sources[source.id] = source
	h.mu.Unlock()

	h.log.Infow("Data source connected", logger.FieldDataSourceID, source.id)

	go h.writePump(source)
	h.readPump(source)
}

func (h *Hub) readPump(source *sourceConn) {
	defer func() {
		h.mu.Lock()
		if h.sources[source.id] == source {
			delete(h.sources, source.id)
		}
		h.mu.Unlock()
		source.conn.Close()
		h.log.Infow("Data source disconnected", logger.FieldDataSourceID, source.id)
	}()

	for {
		var in frame
		if err := source.conn.ReadJSON(&in); err != nil {
			return
		}
		source.conn.SetReadDeadline(time.Now().Add(pongWait))

		if in.Type != frameReply || in.CorrelationID == "" {
			continue
		}

		h.mu.RLock()
		replies := h.replies
		h.mu.RUnlock()
		if replies == nil {
			continue
		}

		reply := dispatch.Reply{NumRecords: in.NumRecords, Error: in.Error}
		if err := replies.OnDataSourceReply(context.Background(), in.CorrelationID, reply); err != nil {
			h.log.Warnw("Failed to deliver reply",
				logger.FieldExecutionID, in.CorrelationID,
				logger.FieldDataSourceID, source.id,
				logger.FieldError, err,
			)
		}
	}
}

func (h *Hub) writePump(source *sourceConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		source.conn.Close()
	}()

	for {
		select {
		case out, ok := <-source.send:
			source.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				source.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := source.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			source.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := source.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
