package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oaklabs/oakd/internal/mcp"
	"go.uber.org/zap"
)

const registerWait = 10 * time.Second

// ServerConfig configures the relay process.
type ServerConfig struct {
	// RelayToken authorizes daemons connecting to /ws.
	RelayToken string
	// AgentToken authorizes agents calling /mcp.
	AgentToken string
}

// Server is the cloud-side relay. It holds at most one daemon
// connection per deployment and forwards agent tool calls down it.
type Server struct {
	echo     *echo.Echo
	cfg      ServerConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*daemonConn
}

// daemonConn is one registered daemon connection.
type daemonConn struct {
	deploymentID string
	conn         *websocket.Conn
	tools        []mcp.ToolInfo

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool
}

// NewServer builds the relay HTTP surface.
func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:   e,
		cfg:    cfg,
		logger: logger,
		conns:  map[string]*daemonConn{},
	}

	e.GET("/ws", s.handleWS)
	e.POST("/mcp", s.handleCall)
	e.GET("/mcp/tools", s.handleTools)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until the process exits.
func (s *Server) Start(addr string) error {
	s.logger.Info("relay listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) authorized(c echo.Context, token string) bool {
	if token == "" {
		return true
	}
	return c.Request().Header.Get("Authorization") == "Bearer "+token
}

// handleWS accepts a daemon connection. The first frame must be a
// register; a new registration for the same deployment displaces the
// old connection.
func (s *Server) handleWS(c echo.Context) error {
	if !s.authorized(c, s.cfg.RelayToken) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid relay token"})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already wrote the response
	}

	conn.SetReadDeadline(time.Now().Add(registerWait))
	var reg Message
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != TypeRegister || reg.Validate() != nil {
		conn.WriteJSON(Message{Type: TypeError, Error: "expected register frame"})
		conn.Close()
		return nil
	}
	conn.SetReadDeadline(time.Time{})

	dc := &daemonConn{
		deploymentID: reg.DeploymentID,
		conn:         conn,
		tools:        reg.Tools,
		pending:      map[string]chan Message{},
	}

	s.mu.Lock()
	if old := s.conns[reg.DeploymentID]; old != nil {
		old.displace()
	}
	s.conns[reg.DeploymentID] = dc
	s.mu.Unlock()

	dc.write(Message{Type: TypeRegistered, DeploymentID: reg.DeploymentID})
	s.logger.Info("daemon registered",
		zap.String("deployment_id", reg.DeploymentID),
		zap.Int("tools", len(reg.Tools)))

	s.readPump(dc)
	return nil
}

// readPump consumes frames from a daemon until it disconnects.
func (s *Server) readPump(dc *daemonConn) {
	defer func() {
		dc.fail("instance offline")
		s.mu.Lock()
		if s.conns[dc.deploymentID] == dc {
			delete(s.conns, dc.deploymentID)
		}
		s.mu.Unlock()
		dc.conn.Close()
		s.logger.Info("daemon disconnected", zap.String("deployment_id", dc.deploymentID))
	}()

	for {
		var m Message
		if err := dc.conn.ReadJSON(&m); err != nil {
			return
		}
		if m.Validate() != nil {
			continue
		}
		switch m.Type {
		case TypeToolResult:
			dc.deliver(m)
		case TypeHeartbeat:
			dc.write(Message{Type: TypeHeartbeatAck})
		}
	}
}

// callRequest is an agent's tool invocation.
type callRequest struct {
	DeploymentID string          `json:"deployment_id,omitempty"`
	ToolName     string          `json:"tool_name"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	TimeoutMS    int             `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCall(c echo.Context) error {
	if !s.authorized(c, s.cfg.AgentToken) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid agent token"})
	}

	var req callRequest
	if err := c.Bind(&req); err != nil || req.ToolName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tool_name is required"})
	}

	dc, err := s.connFor(req.DeploymentID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	wait := defaultCallWait
	if req.TimeoutMS > 0 {
		wait = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	callID := uuid.NewString()
	ch := dc.expect(callID)
	defer dc.forget(callID)

	if err := dc.write(Message{
		Type:      TypeToolCall,
		CallID:    callID,
		ToolName:  req.ToolName,
		Arguments: req.Arguments,
		TimeoutMS: int(wait / time.Millisecond),
	}); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "instance offline"})
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": res.Error})
		}
		return c.JSONBlob(http.StatusOK, res.Result)
	case <-time.After(wait):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "tool call timed out"})
	case <-c.Request().Context().Done():
		return nil
	}
}

func (s *Server) handleTools(c echo.Context) error {
	if !s.authorized(c, s.cfg.AgentToken) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid agent token"})
	}

	dc, err := s.connFor(c.QueryParam("deployment_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deployment_id": dc.deploymentID,
		"tools":         dc.tools,
	})
}

// connFor resolves a deployment's connection. With a single connected
// daemon the id may be omitted.
func (s *Server) connFor(deploymentID string) (*daemonConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deploymentID != "" {
		dc := s.conns[deploymentID]
		if dc == nil {
			return nil, fmt.Errorf("instance offline")
		}
		return dc, nil
	}
	if len(s.conns) == 1 {
		for _, dc := range s.conns {
			return dc, nil
		}
	}
	if len(s.conns) == 0 {
		return nil, fmt.Errorf("instance offline")
	}
	return nil, fmt.Errorf("deployment_id required with multiple instances")
}

func (dc *daemonConn) write(m Message) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	dc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return dc.conn.WriteJSON(m)
}

// expect registers interest in a call id.
func (dc *daemonConn) expect(callID string) chan Message {
	ch := make(chan Message, 1)
	dc.mu.Lock()
	dc.pending[callID] = ch
	dc.mu.Unlock()
	return ch
}

func (dc *daemonConn) forget(callID string) {
	dc.mu.Lock()
	delete(dc.pending, callID)
	dc.mu.Unlock()
}

// deliver routes a tool_result to its waiter; results for unknown call
// ids are dropped.
func (dc *daemonConn) deliver(m Message) {
	dc.mu.Lock()
	ch := dc.pending[m.CallID]
	delete(dc.pending, m.CallID)
	dc.mu.Unlock()
	if ch != nil {
		ch <- m
	}
}

// fail rejects every pending call, typically on disconnect.
func (dc *daemonConn) fail(reason string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.closed {
		return
	}
	dc.closed = true
	for id, ch := range dc.pending {
		ch <- Message{Type: TypeToolResult, CallID: id, Error: reason}
		delete(dc.pending, id)
	}
}

// displace closes a connection replaced by a newer registration.
func (dc *daemonConn) displace() {
	dc.writeMu.Lock()
	dc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
		time.Now().Add(writeWait))
	dc.writeMu.Unlock()
	dc.conn.Close()
}
