package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jmehdipour/im-gateway/internal/metrics"
	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DefaultKickNotice is written to a connection that is replaced by a newer
// login on the same session slot.
var DefaultKickNotice = []byte(`{"type":"FORCE_LOGOUT","reason":"logged in elsewhere"}`)

type Options struct {
	// DeviceGroups folds device types into groups (mobile, desktop, web)
	// so that one connection per group is kept instead of one per type.
	DeviceGroups bool
	// KickNotice is written before a superseded connection is closed. Nil disables it.
	KickNotice []byte
	Observer   Observer
	Logger     *zap.Logger
}

// devices is replaced, never mutated, once it is stored in the users map.
type devices map[string]Conn

// Registry maps (user, device) to a live connection and connection id back to
// its slot. Both maps are only changed inside users.Compute for the owning
// user, so the reverse entry always matches the forward one.
type Registry struct {
	users *xsync.MapOf[string, devices]
	conns *xsync.MapOf[string, Key]

	groups   bool
	notice   []byte
	observer Observer
	notifyMu [64]sync.Mutex
	log      *zap.Logger

	installed func(Conn) // test hook, runs between install and notification
}

func NewRegistry(opts Options) *Registry {
	l := opts.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Registry{
		users:    xsync.NewMapOf[string, devices](),
		conns:    xsync.NewMapOf[string, Key](),
		groups:   opts.DeviceGroups,
		notice:   opts.KickNotice,
		observer: opts.Observer,
		log:      l.Named("session"),
	}
}

func (r *Registry) key(userID, deviceType string) Key {
	dt := model.NormalizeDeviceType(deviceType)
	if r.groups {
		dt = model.DeviceGroup(dt)
	}
	return Key{UserID: userID, DeviceType: dt}
}

// Register binds conn to the slot. A different connection already holding the
// slot loses its reverse entry first, then the new entries are installed, and
// only then is the old connection closed in the background.
func (r *Registry) Register(userID, deviceType string, conn Conn) {
	if conn == nil || userID == "" {
		return
	}
	key := r.key(userID, deviceType)

	var (
		old       Conn
		same      bool
		elsewhere Key
		taken     bool
	)
	r.users.Compute(key.UserID, func(cur devices, loaded bool) (devices, bool) {
		prev, ok := cur[key.DeviceType]
		if ok && prev.ID() == conn.ID() {
			same = true
			return cur, !loaded
		}
		// a connection belongs to one slot only
		if k, dup := r.conns.LoadOrStore(conn.ID(), key); dup {
			elsewhere, taken = k, true
			return cur, !loaded
		}
		next := make(devices, len(cur)+1)
		for k, c := range cur {
			next[k] = c
		}
		if ok {
			r.conns.Delete(prev.ID())
			old = prev
		}
		next[key.DeviceType] = conn
		return next, false
	})
	if same {
		return
	}
	if taken {
		r.log.Warn("connection already registered under another slot",
			zap.String("conn", conn.ID()),
			zap.String("user_id", key.UserID),
			zap.String("device", key.DeviceType),
			zap.String("held_by_user", elsewhere.UserID),
			zap.String("held_by_device", elsewhere.DeviceType))
		return
	}
	if r.installed != nil {
		r.installed(conn)
	}

	r.updateGauges()
	mu := r.notifyLock(key.UserID)
	mu.Lock()
	if old != nil {
		r.notifyOffline(key, old)
	}
	// a newer login may have replaced conn already; it has reported itself
	if r.holds(key, conn) {
		r.notifyOnline(key, conn)
	}
	mu.Unlock()

	if old != nil {
		r.log.Info("session superseded",
			zap.String("user_id", key.UserID),
			zap.String("device", key.DeviceType),
			zap.String("old_conn", old.ID()),
			zap.String("new_conn", conn.ID()))
		go r.kick(old)
	}

	conn.OnClose(func() { r.UnregisterByConnection(conn) })
}

func (r *Registry) holds(key Key, conn Conn) bool {
	cur, ok := r.users.Load(key.UserID)
	if !ok {
		return false
	}
	c, ok := cur[key.DeviceType]
	return ok && c.ID() == conn.ID()
}

// notifyLock serializes observer calls per user, so Online and Offline reach
// the observer in the order the slots changed.
func (r *Registry) notifyLock(userID string) *sync.Mutex {
	return &r.notifyMu[xxhash.Sum64String(userID)%uint64(len(r.notifyMu))]
}

func (r *Registry) kick(c Conn) {
	if len(r.notice) > 0 && c.Alive() {
		if err := c.Write(r.notice); err != nil {
			r.log.Debug("kick notice failed", zap.String("conn", c.ID()), zap.Error(err))
		}
	}
	if err := c.Close(); err != nil {
		r.log.Debug("close superseded conn", zap.String("conn", c.ID()), zap.Error(err))
	}
}

func (r *Registry) Lookup(userID, deviceType string) (Conn, bool) {
	key := r.key(userID, deviceType)
	cur, ok := r.users.Load(key.UserID)
	if !ok {
		return nil, false
	}
	c, ok := cur[key.DeviceType]
	return c, ok
}

// LookupAllForUser returns a snapshot of the user's connections.
func (r *Registry) LookupAllForUser(userID string) []Conn {
	cur, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(cur))
	for _, c := range cur {
		out = append(out, c)
	}
	return out
}

// UnregisterByKey removes whatever connection holds the slot. Calling it on an
// empty slot is a no-op.
func (r *Registry) UnregisterByKey(userID, deviceType string, closeConn bool) (Conn, bool) {
	key := r.key(userID, deviceType)
	removed := r.remove(key, "")
	if removed == nil {
		return nil, false
	}
	r.afterRemove(key, removed)
	if closeConn {
		if err := removed.Close(); err != nil {
			r.log.Debug("close unregistered conn", zap.String("conn", removed.ID()), zap.Error(err))
		}
	}
	return removed, true
}

// UnregisterByConnection is the transport's close path. It returns false when
// the connection was already removed or superseded.
func (r *Registry) UnregisterByConnection(conn Conn) bool {
	if conn == nil {
		return false
	}
	key, ok := r.conns.Load(conn.ID())
	if !ok {
		return false
	}
	removed := r.remove(key, conn.ID())
	if removed == nil {
		return false
	}
	r.afterRemove(key, removed)
	return true
}

// remove deletes the slot; when connID is set only if it still holds that connection.
func (r *Registry) remove(key Key, connID string) Conn {
	var removed Conn
	r.users.Compute(key.UserID, func(cur devices, loaded bool) (devices, bool) {
		if !loaded {
			return cur, true
		}
		c, ok := cur[key.DeviceType]
		if !ok || (connID != "" && c.ID() != connID) {
			return cur, false
		}
		removed = c
		r.conns.Delete(c.ID())
		if len(cur) == 1 {
			return nil, true
		}
		next := make(devices, len(cur)-1)
		for k, v := range cur {
			if k != key.DeviceType {
				next[k] = v
			}
		}
		return next, false
	})
	return removed
}

func (r *Registry) afterRemove(key Key, c Conn) {
	r.updateGauges()
	mu := r.notifyLock(key.UserID)
	mu.Lock()
	r.notifyOffline(key, c)
	mu.Unlock()
	r.log.Debug("session removed",
		zap.String("user_id", key.UserID),
		zap.String("device", key.DeviceType),
		zap.String("conn", c.ID()))
}

// SendToUser writes payload to one device, or to all of the user's devices when
// deviceType is empty, and returns how many writes succeeded.
func (r *Registry) SendToUser(userID, deviceType string, payload []byte) int {
	var targets []Conn
	if deviceType == "" {
		targets = r.LookupAllForUser(userID)
	} else if c, ok := r.Lookup(userID, deviceType); ok {
		targets = []Conn{c}
	}

	n := 0
	for _, c := range targets {
		if !c.Alive() {
			continue
		}
		if err := c.Write(payload); err != nil {
			r.log.Warn("write failed",
				zap.String("user_id", userID),
				zap.String("conn", c.ID()),
				zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (r *Registry) OnlineUserCount() int { return r.users.Size() }

func (r *Registry) TotalConnectionCount() int { return r.conns.Size() }

func (r *Registry) updateGauges() {
	metrics.OnlineUsers.Set(float64(r.users.Size()))
	metrics.Connections.Set(float64(r.conns.Size()))
}

func (r *Registry) notifyOnline(key Key, c Conn) {
	if r.observer != nil {
		r.observer.Online(key, c)
	}
}

func (r *Registry) notifyOffline(key Key, c Conn) {
	if r.observer != nil {
		r.observer.Offline(key, c)
	}
}
