package hub

import (
	"sync"

	"go.uber.org/zap"

	"analysis-jobs/internal/models"
	"analysis-jobs/internal/telemetry"
)

// Conn is one live subscriber connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// subscriber pairs a connection with its write mutex. gorilla allows at most
// one concurrent writer per connection, and broadcasts for the same job can
// overlap (local-failure vs. callback race, detail edits), so every write and
// close goes through this lock.
type subscriber struct {
	mu   sync.Mutex
	conn Conn
}

func (s *subscriber) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.Close()
}

// Hub is the process-local registry of live subscribers per job. It holds no
// persisted state: constructed once at boot, discarded at shutdown. All
// registry access serializes through one mutex; the per-connection sends
// happen outside it, serialized per connection.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[Conn]*subscriber
	log  *zap.Logger
}

func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs: map[string]map[Conn]*subscriber{},
		log:  log.Named("hub"),
	}
}

// Subscribe registers a connection for a job's updates.
func (h *Hub) Subscribe(jobID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = map[Conn]*subscriber{}
		h.subs[jobID] = set
	}
	set[conn] = &subscriber{conn: conn}
	telemetry.LiveSubscribers.Inc()
}

// Unsubscribe drops a connection; empty sets are pruned so jobs nobody
// watches cost nothing.
func (h *Hub) Unsubscribe(jobID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(jobID, conn)
}

func (h *Hub) removeLocked(jobID string, conn Conn) {
	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, present := set[conn]; !present {
		return
	}
	delete(set, conn)
	telemetry.LiveSubscribers.Dec()
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
}

// Broadcast sends the message to every current subscriber of the job. The
// subscriber set is snapshotted under the lock, then sends run outside it so
// a slow peer never blocks new subscriptions. If the embedded status is
// terminal, each just-notified connection is closed and removed: no further
// updates will come. A send failure removes the connection regardless.
func (h *Hub) Broadcast(jobID string, msg models.UpdateMessage) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs[jobID]))
	for _, s := range h.subs[jobID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	terminal := models.IsTerminal(msg.Job.Status)
	var drop []Conn
	for _, s := range subs {
		if err := s.write(msg); err != nil {
			h.log.Warn("send failed, removing subscriber",
				zap.String("job_id", jobID), zap.Error(err))
			drop = append(drop, s.conn)
			continue
		}
		telemetry.BroadcastsSent.Inc()
		if terminal {
			s.close()
			drop = append(drop, s.conn)
		}
	}

	if len(drop) > 0 {
		h.mu.Lock()
		for _, c := range drop {
			h.removeLocked(jobID, c)
		}
		h.mu.Unlock()
	}
}

// Send delivers one message to a single connection through its write mutex,
// so an initial snapshot push cannot interleave with a concurrent broadcast.
// Terminal messages close and remove the connection, exactly like Broadcast.
// An unregistered connection is written to directly.
func (h *Hub) Send(jobID string, conn Conn, msg models.UpdateMessage) error {
	h.mu.Lock()
	sub, ok := h.subs[jobID][conn]
	h.mu.Unlock()
	if !ok {
		return conn.WriteJSON(msg)
	}

	err := sub.write(msg)
	if err == nil {
		telemetry.BroadcastsSent.Inc()
	}
	if err != nil || models.IsTerminal(msg.Job.Status) {
		if err == nil {
			sub.close()
		}
		h.mu.Lock()
		h.removeLocked(jobID, conn)
		h.mu.Unlock()
	}
	return err
}

// Subscribers reports the current subscriber count for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
