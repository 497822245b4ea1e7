// Package agentch is the out-of-band command channel to guest agents. Agents
// dial in over a websocket; the hub correlates requests and responses by id.
package agentch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/msageha/vmhealth/internal/metrics"
	"github.com/msageha/vmhealth/internal/model"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 16 << 20
)

var (
	ErrNotConnected = errors.New("agent not connected")
	ErrDisconnected = errors.New("agent disconnected")
	ErrHubClosed    = errors.New("agent hub closed")
)

// Request is the frame sent to an agent.
type Request struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// Response is the frame an agent answers with.
type Response struct {
	ID string `json:"id"`
	model.AgentResponse
}

// Hub accepts agent connections and implements the queue's agent channel.
type Hub struct {
	token    string
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*agentConn
	closed bool
}

// NewHub returns a hub that accepts agents presenting token as a bearer
// token. An empty token disables authentication.
func NewHub(token string, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		token:  token,
		logger: logger,
		conns:  make(map[string]*agentConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.token)) == 1
}

// ServeHTTP upgrades /agent?machine=<id> requests. A new connection for a
// machine replaces the old one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	machineID := strings.TrimSpace(r.URL.Query().Get("machine"))
	if machineID == "" {
		http.Error(w, "machine query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("agent_upgrade_failed", "machine", machineID, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c := newAgentConn(machineID, ws)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(ErrHubClosed)
		return
	}
	prev := h.conns[machineID]
	h.conns[machineID] = c
	n := len(h.conns)
	h.mu.Unlock()

	if prev != nil {
		prev.close(fmt.Errorf("%w: replaced by a new connection", ErrDisconnected))
	}
	metrics.SetAgentsConnected(n)
	h.logger.Infow("agent_connected", "machine", machineID, "remote", r.RemoteAddr)

	go c.pingLoop()
	err = c.readLoop(h.logger)
	c.close(fmt.Errorf("%w: %v", ErrDisconnected, err))

	h.mu.Lock()
	if h.conns[machineID] == c {
		delete(h.conns, machineID)
	}
	n = len(h.conns)
	h.mu.Unlock()
	metrics.SetAgentsConnected(n)
	h.logger.Infow("agent_disconnected", "machine", machineID, "reason", err)
}

func (h *Hub) conn(machineID string) *agentConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[machineID]
}

func (h *Hub) IsConnected(machineID string) bool {
	return h.conn(machineID) != nil
}

// Connected lists machines with a live agent.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Send delivers cmd to machineID's agent and waits for the correlated
// response, at most timeout (when positive) and until ctx is done.
// Connection problems are *model.TransportError of kind TransportConnection.
func (h *Hub) Send(ctx context.Context, machineID string, cmd model.AgentCommand, timeout time.Duration) (model.AgentResponse, error) {
	c := h.conn(machineID)
	if c == nil {
		metrics.RecordAgentRequest("disconnected")
		return model.AgentResponse{}, model.NewTransportError(model.TransportConnection,
			fmt.Errorf("%w: %s", ErrNotConnected, machineID))
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := Request{ID: uuid.NewString(), Action: cmd.Action, Params: cmd.Params, TimeoutMs: timeout.Milliseconds()}
	ch, err := c.register(req.ID)
	if err != nil {
		metrics.RecordAgentRequest("disconnected")
		return model.AgentResponse{}, model.NewTransportError(model.TransportConnection, err)
	}
	defer c.unregister(req.ID)

	if err := c.write(req); err != nil {
		metrics.RecordAgentRequest("disconnected")
		c.close(fmt.Errorf("%w: write: %v", ErrDisconnected, err))
		return model.AgentResponse{}, model.NewTransportError(model.TransportConnection,
			fmt.Errorf("send %s to %s: %w", cmd.Action, machineID, err))
	}

	select {
	case resp := <-ch:
		metrics.RecordAgentRequest("ok")
		return resp, nil
	case <-c.done:
		metrics.RecordAgentRequest("disconnected")
		return model.AgentResponse{}, model.NewTransportError(model.TransportConnection, c.err())
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.RecordAgentRequest("timeout")
			return model.AgentResponse{}, model.NewTransportError(model.TransportTimeout,
				fmt.Errorf("%s on %s: %w", cmd.Action, machineID, ctx.Err()))
		}
		metrics.RecordAgentRequest("error")
		return model.AgentResponse{}, ctx.Err()
	}
}

// Close disconnects every agent and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]*agentConn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close(ErrHubClosed)
	}
	metrics.SetAgentsConnected(0)
}

type agentConn struct {
	machineID string
	ws        *websocket.Conn
	writeMu   sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan model.AgentResponse
	closeErr error
	done     chan struct{}
	once     sync.Once
}

func newAgentConn(machineID string, ws *websocket.Conn) *agentConn {
	return &agentConn{
		machineID: machineID,
		ws:        ws,
		pending:   make(map[string]chan model.AgentResponse),
		done:      make(chan struct{}),
	}
}

func (c *agentConn) register(id string) (chan model.AgentResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	ch := make(chan model.AgentResponse, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *agentConn) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *agentConn) deliver(resp Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if ok {
		ch <- resp.AgentResponse
	}
	return ok
}

func (c *agentConn) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *agentConn) readLoop(logger *zap.SugaredLogger) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.Warnw("agent_frame_invalid", "machine", c.machineID, "error", err)
			continue
		}
		if !c.deliver(resp) {
			logger.Debugw("agent_response_unmatched", "machine", c.machineID, "id", resp.ID)
		}
	}
}

func (c *agentConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close(fmt.Errorf("%w: ping: %v", ErrDisconnected, err))
				return
			}
		}
	}
}

func (c *agentConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// close fails every pending request with cause and closes the socket.
func (c *agentConn) close(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.pending = make(map[string]chan model.AgentResponse)
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
