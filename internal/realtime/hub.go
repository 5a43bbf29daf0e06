// Package realtime fans server-originated lifecycle events out to every
// subscribed session. Event payloads are always full entity snapshots, never
// diffs, so subscribers can merge by id with last-applied-wins semantics.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// EventKind is a lifecycle transition.
type EventKind string

const (
	// KindCreated announces a newly stored entity.
	KindCreated EventKind = "Created"
	// KindUpdated announces a replaced entity.
	KindUpdated EventKind = "Updated"
	// KindDeleted announces a removed entity; the payload is the last stored
	// snapshot.
	KindDeleted EventKind = "Deleted"
)

const defaultBufferSize = 16

// Event is one lifecycle notification. PlayerID scopes delivery to the
// player's room when set; when empty the event broadcasts to every session.
type Event struct {
	Kind       EventKind       `json:"-"`
	EntityType string          `json:"-"`
	PlayerID   string          `json:"-"`
	Payload    json.RawMessage `json:"payload"`
}

// Name returns the wire event name, e.g. "visitGpsCreated".
func (e Event) Name() string {
	return e.EntityType + string(e.Kind)
}

// Hub tracks one subscriber per open realtime session and delivers events
// without blocking publishers: a session that cannot keep up drops events,
// and closing that gap is the client's refetch responsibility.
type Hub struct {
	mu         sync.RWMutex
	sessions   map[int64]*session
	nextID     int64
	bufferSize int
}

type session struct {
	id     int64
	stream chan Event
	rooms  map[string]struct{}
}

// NewHub constructs a hub. bufferSize <= 0 selects the default.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		sessions:   make(map[int64]*session),
		bufferSize: bufferSize,
	}
}

// Subscription is one session's handle on the hub. Only the session-lifecycle
// owner may Close it; views share the stream read-only.
type Subscription struct {
	hub     *Hub
	session *session
	once    sync.Once
	done    chan struct{}
}

// Subscribe registers a session. The subscription is torn down when ctx ends
// or Close is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context) *Subscription {
	h.mu.Lock()
	h.nextID++
	sess := &session{
		id:     h.nextID,
		stream: make(chan Event, h.bufferSize),
		rooms:  make(map[string]struct{}),
	}
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	sub := &Subscription{hub: h, session: sess, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Stream exposes the session's event channel.
func (sub *Subscription) Stream() <-chan Event {
	return sub.session.stream
}

// JoinPlayer narrows the session to one player's observers. A session may
// join several rooms; it then receives unscoped events plus events for its
// joined players.
func (sub *Subscription) JoinPlayer(playerID string) {
	if playerID == "" {
		return
	}
	sub.hub.mu.Lock()
	sub.session.rooms[playerID] = struct{}{}
	sub.hub.mu.Unlock()
}

// LeavePlayer removes the session from a player's room.
func (sub *Subscription) LeavePlayer(playerID string) {
	sub.hub.mu.Lock()
	delete(sub.session.rooms, playerID)
	sub.hub.mu.Unlock()
}

// Rooms lists the player rooms the session currently observes.
func (sub *Subscription) Rooms() []string {
	sub.hub.mu.RLock()
	defer sub.hub.mu.RUnlock()
	rooms := make([]string, 0, len(sub.session.rooms))
	for playerID := range sub.session.rooms {
		rooms = append(rooms, playerID)
	}
	return rooms
}

// Close unregisters the session and releases its context watcher.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		close(sub.done)
		sub.hub.mu.Lock()
		delete(sub.hub.sessions, sub.session.id)
		sub.hub.mu.Unlock()
	})
}

// Publish delivers the event to every interested session. Sessions that have
// joined no room observe everything; sessions that joined rooms additionally
// filter player-scoped events to their rooms. Delivery never blocks.
func (h *Hub) Publish(event Event) {
	if event.EntityType == "" || event.Kind == "" {
		return
	}

	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		if interested(sess, event) {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		select {
		case sess.stream <- event:
		default:
		}
	}
}

func interested(sess *session, event Event) bool {
	if event.PlayerID == "" {
		return true
	}
	if len(sess.rooms) == 0 {
		return true
	}
	_, joined := sess.rooms[event.PlayerID]
	return joined
}
