package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teamcare/intake/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
)

var (
	errMissingRealtimeURL = errors.New("client: realtime url is required")
	// ErrRealtimeDown means reconnection attempts are exhausted. Views keep
	// their last known state; only a full refetch closes the gap, since
	// events missed while disconnected are never replayed.
	ErrRealtimeDown = errors.New("client: realtime channel down")
)

// Event is one decoded realtime notification.
type Event struct {
	Kind       realtime.EventKind
	EntityType string
	Payload    json.RawMessage
}

// ParseEventName splits a wire event name like "visitGpsCreated" into its
// entity type and lifecycle kind.
func ParseEventName(name string) (string, realtime.EventKind, bool) {
	for _, kind := range []realtime.EventKind{realtime.KindCreated, realtime.KindUpdated, realtime.KindDeleted} {
		suffix := string(kind)
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix), kind, true
		}
	}
	return "", "", false
}

// RealtimeConfig configures the session's shared realtime connection.
type RealtimeConfig struct {
	URL               string
	Token             string
	Dialer            *websocket.Dialer
	Logger            *zap.Logger
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// OnEvent fans each decoded event out to the session's views.
	OnEvent func(Event)
	// OnDown fires once reconnection is exhausted; the channel stays down
	// until the session owner reopens it.
	OnDown func(error)
}

// RealtimeClient is the one shared connection per authenticated session:
// opened at sign-in, closed at sign-out, read-shared by every view. On
// transport failure it retries with bounded attempts and fixed backoff,
// re-issuing all active room memberships after a successful reconnect.
type RealtimeClient struct {
	config RealtimeConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	rooms  map[string]struct{}
	closed bool
}

// NewRealtimeClient constructs the client without connecting.
func NewRealtimeClient(cfg RealtimeConfig) (*RealtimeClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingRealtimeURL
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeClient{
		config: cfg,
		dialer: dialer,
		logger: logger,
		rooms:  make(map[string]struct{}),
	}, nil
}

// Open dials the realtime endpoint and starts the read loop. It returns once
// the first connection is established.
func (c *RealtimeClient) Open(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return newError(KindTransport, "realtime open", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.run(ctx, conn)
	return nil
}

func (c *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, err
	}
	if c.config.Token != "" {
		query := endpoint.Query()
		query.Set("token", c.config.Token)
		endpoint.RawQuery = query.Encode()
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	return conn, err
}

func (c *RealtimeClient) run(ctx context.Context, conn *websocket.Conn) {
	for {
		readErr := c.readLoop(conn)
		if c.isClosed() {
			return
		}
		c.logger.Warn("realtime connection lost", zap.Error(readErr))

		next, err := c.reconnect(ctx)
		if err != nil {
			c.logger.Error("realtime reconnection exhausted", zap.Error(err))
			if c.config.OnDown != nil {
				c.config.OnDown(err)
			}
			return
		}
		conn = next
	}
}

func (c *RealtimeClient) readLoop(conn *websocket.Conn) error {
	for {
		var envelope struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&envelope); err != nil {
			return err
		}
		entityType, kind, ok := ParseEventName(envelope.Event)
		if !ok {
			c.logger.Debug("ignoring unknown realtime event", zap.String("event", envelope.Event))
			continue
		}
		if c.config.OnEvent != nil {
			c.config.OnEvent(Event{Kind: kind, EntityType: entityType, Payload: envelope.Payload})
		}
	}
}

// reconnect retries with fixed backoff up to the configured attempt bound,
// then reports ErrRealtimeDown. A successful reconnect re-issues every
// active room membership; missed events are not replayed.
func (c *RealtimeClient) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.ReconnectDelay):
		}
		if c.isClosed() {
			return nil, ErrRealtimeDown
		}

		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.Warn("realtime reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// A connection whose room memberships cannot be restored is not a
		// successful reconnect; the whole attempt is retried.
		if err := c.restoreRooms(conn); err != nil {
			lastErr = err
			conn.Close()
			c.logger.Warn("realtime room restore failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrRealtimeDown, lastErr)
}

// restoreRooms re-issues every tracked room membership on a fresh connection.
func (c *RealtimeClient) restoreRooms(conn *websocket.Conn) error {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for playerID := range c.rooms {
		rooms = append(rooms, playerID)
	}
	c.mu.Unlock()

	for _, playerID := range rooms {
		message := map[string]string{"command": commandJoin, "playerId": playerID}
		if err := conn.WriteJSON(message); err != nil {
			return err
		}
	}
	return nil
}

const (
	commandJoin  = "joinPlayer"
	commandLeave = "leavePlayer"
)

// JoinPlayer scopes the session to one player's observers. Membership is
// remembered so reconnects restore it.
func (c *RealtimeClient) JoinPlayer(playerID string) error {
	if playerID == "" {
		return nil
	}
	c.mu.Lock()
	c.rooms[playerID] = struct{}{}
	c.mu.Unlock()
	return c.sendCommand(commandJoin, playerID)
}

// LeavePlayer drops a room membership.
func (c *RealtimeClient) LeavePlayer(playerID string) error {
	c.mu.Lock()
	delete(c.rooms, playerID)
	c.mu.Unlock()
	return c.sendCommand(commandLeave, playerID)
}

func (c *RealtimeClient) sendCommand(command, playerID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return newError(KindTransport, "realtime command", ErrRealtimeDown)
	}
	message := map[string]string{"command": command, "playerId": playerID}
	if err := conn.WriteJSON(message); err != nil {
		return newError(KindTransport, "realtime command", err)
	}
	return nil
}

// Close shuts the connection down. Only the session-lifecycle owner calls
// this; views never do.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *RealtimeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
