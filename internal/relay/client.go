package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/oaklabs/oakd/internal/mcp"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatAckWait  = 10 * time.Second
	defaultCallWait   = 30 * time.Second
	writeWait         = 10 * time.Second

	// seenCallCap bounds the dedup set; the whole set resets when it
	// fills, which can only re-admit ancient call ids.
	seenCallCap = 4096
)

// ToolCaller executes named tools locally. *mcp.Server satisfies it.
type ToolCaller interface {
	Tools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ClientConfig configures the daemon-side relay connection.
type ClientConfig struct {
	URL          string
	RelayToken   string
	DeploymentID string
}

// Client keeps one outbound websocket to the relay, re-registering the
// tool list after every reconnect.
type Client struct {
	cfg    ClientConfig
	caller ToolCaller
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewClient builds a relay client; Run starts it.
func NewClient(cfg ClientConfig, caller ToolCaller, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" || cfg.DeploymentID == "" {
		return nil, fmt.Errorf("relay url and deployment id are required")
	}
	if caller == nil {
		return nil, fmt.Errorf("tool caller is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		caller: caller,
		logger: logger,
		seen:   map[string]struct{}{},
	}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// jittered exponential backoff on every failure.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		c.logger.Warn("relay session ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection to completion.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.RelayToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.RelayToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	sess := &clientSession{
		client: c,
		conn:   conn,
		ackCh:  make(chan struct{}, 1),
	}

	if err := sess.write(Message{
		Type:         TypeRegister,
		DeploymentID: c.cfg.DeploymentID,
		Tools:        c.caller.Tools(),
	}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	c.logger.Info("relay connected",
		zap.String("url", c.cfg.URL),
		zap.String("deployment_id", c.cfg.DeploymentID))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sess.heartbeatLoop(sctx, cancel)
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	return sess.readLoop(sctx)
}

// clientSession is the per-connection state.
type clientSession struct {
	client *Client
	conn   *websocket.Conn

	writeMu sync.Mutex
	ackCh   chan struct{}
}

func (s *clientSession) write(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(m)
}

// heartbeatLoop sends a heartbeat every interval and tears the session
// down when the ack does not arrive in time.
func (s *clientSession) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(Message{Type: TypeHeartbeat}); err != nil {
				cancel()
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.ackCh:
			case <-time.After(heartbeatAckWait):
				s.client.logger.Warn("relay heartbeat ack timed out")
				cancel()
				return
			}
		}
	}
}

func (s *clientSession) readLoop(ctx context.Context) error {
	for {
		var m Message
		if err := s.conn.ReadJSON(&m); err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			// Unknown or malformed frames are dropped silently.
			s.client.logger.Debug("dropping relay frame", zap.Error(err))
			continue
		}

		switch m.Type {
		case TypeToolCall:
			if !s.client.markSeen(m.CallID) {
				continue // duplicate call_id, at-most-once
			}
			go s.serveCall(ctx, m)
		case TypeHeartbeat:
			s.write(Message{Type: TypeHeartbeatAck})
		case TypeHeartbeatAck:
			select {
			case s.ackCh <- struct{}{}:
			default:
			}
		case TypeRegistered:
			s.client.logger.Debug("relay registration acknowledged")
		case TypeError:
			s.client.logger.Warn("relay reported error", zap.String("message", m.Error))
		}
	}
}

// serveCall executes one tool_call and writes the tool_result.
func (s *clientSession) serveCall(ctx context.Context, m Message) {
	wait := defaultCallWait
	if m.TimeoutMS > 0 {
		wait = time.Duration(m.TimeoutMS) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	result, err := s.client.caller.CallTool(cctx, m.ToolName, m.Arguments)
	reply := Message{Type: TypeToolResult, CallID: m.CallID}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = result
	}
	if werr := s.write(reply); werr != nil {
		s.client.logger.Warn("writing tool result failed",
			zap.String("call_id", m.CallID), zap.Error(werr))
	}
}

// markSeen records a call id, reporting false for duplicates.
func (c *Client) markSeen(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[callID]; dup {
		return false
	}
	if len(c.seen) >= seenCallCap {
		c.seen = map[string]struct{}{}
	}
	c.seen[callID] = struct{}{}
	return true
}
