package realtime

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/carelink/portal/internal/logging"
	"github.com/rs/zerolog"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the registry's view of a live socket.
type Conn interface {
	Send(v any) error
	Open() bool
	Close() error
}

// OfflineFunc is called after a user leaves the online set.
type OfflineFunc func(userID uint64, at time.Time)

// Registry maps each online user to exactly one connection. Its key set is
// the online set; every change to it triggers a full presence broadcast.
type Registry struct {
	mu        sync.Mutex
	conns     map[uint64]Conn
	onOffline OfflineFunc
	log       zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]Conn),
		log:   logging.With("registry"),
	}
}

// OnOffline installs a hook; it must be set before the registry is shared.
func (r *Registry) OnOffline(f OfflineFunc) {
	r.onOffline = f
}

// sweep collects side effects that must run after the lock is released.
type sweep struct {
	closeConns []Conn
	offline    []uint64
}

func (r *Registry) finish(s sweep) {
	for _, c := range s.closeConns {
		_ = c.Close()
	}
	if r.onOffline == nil {
		return
	}
	now := time.Now()
	for _, id := range s.offline {
		r.onOffline(id, now)
	}
}

// Register installs conn for userID and broadcasts presence. A different
// connection previously registered for the user is closed.
func (r *Registry) Register(userID uint64, conn Conn) {
	var s sweep

	r.mu.Lock()
	if old, ok := r.conns[userID]; ok && old != conn {
		s.closeConns = append(s.closeConns, old)
		r.log.Debug().Uint64("user_id", userID).Msg("replacing superseded connection")
	}
	r.conns[userID] = conn
	r.broadcastLocked(&s)
	total := len(r.conns)
	r.mu.Unlock()

	r.finish(s)
	r.log.Info().Uint64("user_id", userID).Int("online", total).Msg("user registered")
}

// Unregister removes userID only while conn is still its registered
// connection, so a superseded socket closing late cannot evict its
// replacement. It reports whether anything was removed.
func (r *Registry) Unregister(userID uint64, conn Conn) bool {
	var s sweep

	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	s.offline = append(s.offline, userID)
	r.broadcastLocked(&s)
	total := len(r.conns)
	r.mu.Unlock()

	r.finish(s)
	r.log.Info().Uint64("user_id", userID).Int("online", total).Msg("user unregistered")
	return true
}

// BroadcastPresence evicts entries whose connection is no longer open, then
// sends the online id list to every remaining connection.
func (r *Registry) BroadcastPresence() {
	var s sweep
	r.mu.Lock()
	r.broadcastLocked(&s)
	r.mu.Unlock()
	r.finish(s)
}

func (r *Registry) evictLocked(userID uint64, s *sweep) {
	c := r.conns[userID]
	delete(r.conns, userID)
	s.closeConns = append(s.closeConns, c)
	s.offline = append(s.offline, userID)
}

// broadcastLocked repeats until a pass completes without send failures, so
// every surviving connection has received the final online set.
func (r *Registry) broadcastLocked(s *sweep) {
	for id, c := range r.conns {
		if !c.Open() {
			r.evictLocked(id, s)
			r.log.Debug().Uint64("user_id", id).Msg("evicted stale connection")
		}
	}

	for len(r.conns) > 0 {
		ids := r.onlineLocked()
		ev := onlineStatus(ids)
		failed := false
		for _, id := range ids {
			if err := r.conns[id].Send(ev); err != nil {
				r.evictLocked(id, s)
				failed = true
				r.log.Warn().Err(err).Uint64("user_id", id).Msg("presence send failed, evicting")
			}
		}
		if !failed {
			return
		}
	}
}

func (r *Registry) onlineLocked() []uint64 {
	ids := make([]uint64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Online returns the online user ids in ascending order.
func (r *Registry) Online() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

func (r *Registry) IsOnline(userID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok
}

func (r *Registry) Get(userID uint64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll drops every entry without broadcasting. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint64]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
