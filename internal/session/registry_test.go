package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	created time.Time

	mu      sync.Mutex
	closed  bool
	writes  [][]byte
	hooks   []func()
	failing bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, created: time.Now()}
}

func (c *fakeConn) ID() string           { return c.id }
func (c *fakeConn) CreatedAt() time.Time { return c.created }

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.failing {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool { return !c.Alive() }

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type recordingObserver struct {
	mu      sync.Mutex
	online  []string
	offline []string
	events  []string // "+" online, "-" offline, in arrival order
}

func (o *recordingObserver) Online(k Key, c Conn) {
	o.mu.Lock()
	o.online = append(o.online, k.UserID+"/"+k.DeviceType+"/"+c.ID())
	o.events = append(o.events, "+"+c.ID())
	o.mu.Unlock()
}

func (o *recordingObserver) Offline(k Key, c Conn) {
	o.mu.Lock()
	o.offline = append(o.offline, k.UserID+"/"+k.DeviceType+"/"+c.ID())
	o.events = append(o.events, "-"+c.ID())
	o.mu.Unlock()
}

// mirrorObserver behaves like the Redis presence hash: Online overwrites the
// slot, Offline deletes it only if it still names that connection.
type mirrorObserver struct {
	mu    sync.Mutex
	slots map[Key]string
}

func (m *mirrorObserver) Online(k Key, c Conn) {
	m.mu.Lock()
	m.slots[k] = c.ID()
	m.mu.Unlock()
}

func (m *mirrorObserver) Offline(k Key, c Conn) {
	m.mu.Lock()
	if m.slots[k] == c.ID() {
		delete(m.slots, k)
	}
	m.mu.Unlock()
}

func TestRegister_SupersedesExistingConnection(t *testing.T) {
	r := NewRegistry(Options{KickNotice: DefaultKickNotice})
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	r.Register("u1", "web", c1)
	r.Register("u1", "web", c2)

	got, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())

	assert.Eventually(t, c1.isClosed, time.Second, 5*time.Millisecond)
	require.Len(t, c1.written(), 1)
	assert.JSONEq(t, string(DefaultKickNotice), string(c1.written()[0]))

	// the old connection's close hook must not remove the new mapping
	got, ok = r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())
	assert.Equal(t, 1, r.TotalConnectionCount())
	assert.Equal(t, 1, r.OnlineUserCount())
	assert.False(t, c2.isClosed())
}

func TestRegister_SameConnectionTwiceIsNoop(t *testing.T) {
	r := NewRegistry(Options{})
	c1 := newFakeConn("c1")

	r.Register("u1", "", c1)
	r.Register("u1", "", c1)

	got, ok := r.Lookup("u1", "default")
	require.True(t, ok)
	assert.Same(t, c1, got)
	assert.False(t, c1.isClosed())
	assert.Equal(t, 1, r.TotalConnectionCount())
}

func TestUnregisterByKey_Idempotent(t *testing.T) {
	r := NewRegistry(Options{})
	c1 := newFakeConn("c1")
	r.Register("u1", "ios", c1)

	removed, ok := r.UnregisterByKey("u1", "ios", true)
	require.True(t, ok)
	assert.Equal(t, "c1", removed.ID())
	assert.True(t, c1.isClosed())

	removed, ok = r.UnregisterByKey("u1", "ios", true)
	assert.False(t, ok)
	assert.Nil(t, removed)

	assert.False(t, r.UnregisterByConnection(c1))
	assert.Equal(t, 0, r.OnlineUserCount())
	assert.Equal(t, 0, r.TotalConnectionCount())
}

func TestUnregisterByConnection_Idempotent(t *testing.T) {
	r := NewRegistry(Options{})
	c1 := newFakeConn("c1")
	r.Register("u1", "android", c1)

	assert.True(t, r.UnregisterByConnection(c1))
	assert.False(t, r.UnregisterByConnection(c1))

	_, ok := r.Lookup("u1", "android")
	assert.False(t, ok)
}

func TestUnregisterByConnection_IgnoresSupersededConnection(t *testing.T) {
	r := NewRegistry(Options{})
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	r.Register("u1", "web", c1)
	r.Register("u1", "web", c2)

	assert.False(t, r.UnregisterByConnection(c1))

	got, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())
}

func TestTransportCloseRemovesSession(t *testing.T) {
	r := NewRegistry(Options{})
	c1 := newFakeConn("c1")
	r.Register("u1", "mac", c1)

	require.NoError(t, c1.Close())

	_, ok := r.Lookup("u1", "mac")
	assert.False(t, ok)
	assert.Equal(t, 0, r.OnlineUserCount())
}

func TestLookupAllForUser(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register("u1", "web", newFakeConn("c1"))
	r.Register("u1", "ios", newFakeConn("c2"))
	r.Register("u2", "web", newFakeConn("c3"))

	ids := map[string]bool{}
	for _, c := range r.LookupAllForUser("u1") {
		ids[c.ID()] = true
	}
	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, ids)
	assert.Empty(t, r.LookupAllForUser("nobody"))
	assert.Equal(t, 2, r.OnlineUserCount())
	assert.Equal(t, 3, r.TotalConnectionCount())
}

func TestSendToUser(t *testing.T) {
	r := NewRegistry(Options{})
	web := newFakeConn("web")
	ios := newFakeConn("ios")
	broken := newFakeConn("broken")
	broken.failing = true
	r.Register("u1", "web", web)
	r.Register("u1", "ios", ios)
	r.Register("u1", "win", broken)

	assert.Equal(t, 2, r.SendToUser("u1", "", []byte("hi")))
	assert.Equal(t, 1, r.SendToUser("u1", "ios", []byte("only-ios")))
	assert.Equal(t, 0, r.SendToUser("u1", "linux", []byte("nobody")))
	assert.Equal(t, 0, r.SendToUser("ghost", "", []byte("nobody")))

	assert.Len(t, web.written(), 1)
	assert.Len(t, ios.written(), 2)
}

func TestSendToUser_SkipsDeadConnections(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")
	r.Register("u1", "web", c)

	// mark closed without running the hook, as a transport that has not noticed yet
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	assert.Equal(t, 0, r.SendToUser("u1", "", []byte("x")))
}

func TestDeviceGroups(t *testing.T) {
	r := NewRegistry(Options{DeviceGroups: true})
	android := newFakeConn("android")
	ios := newFakeConn("ios")

	r.Register("u1", "android", android)
	r.Register("u1", "ios", ios)

	got, ok := r.Lookup("u1", "android")
	require.True(t, ok)
	assert.Equal(t, "ios", got.ID())
	assert.Eventually(t, android.isClosed, time.Second, 5*time.Millisecond)

	r.Register("u1", "web", newFakeConn("web"))
	assert.Equal(t, 2, r.TotalConnectionCount())
}

func TestObserverSeesTransitions(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(Options{Observer: obs})

	r.Register("u1", "web", newFakeConn("c1"))
	r.Register("u1", "web", newFakeConn("c2"))
	r.UnregisterByKey("u1", "web", false)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"u1/web/c1", "u1/web/c2"}, obs.online)
	assert.Equal(t, []string{"u1/web/c1", "u1/web/c2"}, obs.offline)
}

func TestConcurrentRegisterKeepsOneConnectionPerSlot(t *testing.T) {
	r := NewRegistry(Options{})
	const n = 64

	var wg sync.WaitGroup
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register("u1", "web", c)
		}(conns[i])
	}
	wg.Wait()

	winner, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, 1, r.TotalConnectionCount())

	assert.Eventually(t, func() bool {
		for _, c := range conns {
			if c.ID() != winner.ID() && !c.isClosed() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	got, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, winner.ID(), got.ID())
}

func TestRegister_LateOnlineForReplacedConnectionIsDropped(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(Options{Observer: obs})
	a, b := newFakeConn("a"), newFakeConn("b")

	installed := make(chan struct{})
	proceed := make(chan struct{})
	r.installed = func(c Conn) {
		if c.ID() == "a" {
			close(installed)
			<-proceed
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Register("u1", "web", a)
	}()
	<-installed
	r.Register("u1", "web", b)
	close(proceed)
	<-done

	obs.mu.Lock()
	assert.Equal(t, []string{"-a", "+b"}, obs.events)
	obs.mu.Unlock()

	got, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Equal(t, "b", got.ID())
	assert.Eventually(t, a.isClosed, time.Second, 5*time.Millisecond)
}

func TestObserverMirrorMatchesRegistryUnderContention(t *testing.T) {
	mirror := &mirrorObserver{slots: map[Key]string{}}
	r := NewRegistry(Options{Observer: mirror})
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register("u1", "web", newFakeConn(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()

	winner, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	mirror.mu.Lock()
	assert.Equal(t, winner.ID(), mirror.slots[Key{UserID: "u1", DeviceType: "web"}])
	mirror.mu.Unlock()

	r.UnregisterByKey("u1", "web", true)
	mirror.mu.Lock()
	assert.Empty(t, mirror.slots)
	mirror.mu.Unlock()
}

func TestRegister_RejectsConnectionHeldByAnotherSlot(t *testing.T) {
	r := NewRegistry(Options{})
	c := newFakeConn("c1")

	r.Register("u1", "web", c)
	r.Register("u1", "ios", c)
	r.Register("u2", "web", c)

	_, ok := r.Lookup("u1", "ios")
	assert.False(t, ok)
	_, ok = r.Lookup("u2", "web")
	assert.False(t, ok)
	assert.Equal(t, 1, r.OnlineUserCount())
	assert.Equal(t, 1, r.TotalConnectionCount())

	got, ok := r.Lookup("u1", "web")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.False(t, c.isClosed())

	// the reverse entry still points at the original slot
	require.NoError(t, c.Close())
	_, ok = r.Lookup("u1", "web")
	assert.False(t, ok)
	assert.Equal(t, 0, r.TotalConnectionCount())
}
