package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/tracker-relay/internal/constants"
	"github.com/benmeehan/tracker-relay/internal/models"
	"github.com/benmeehan/tracker-relay/internal/reconciler"
	"github.com/benmeehan/tracker-relay/pkg/store"
	"github.com/benmeehan/tracker-relay/pkg/traccar"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	done   func()
}

func newFakeConn(done func()) *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 8),
		closed: make(chan struct{}),
		done:   done,
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.done()
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the server going away.
func (c *fakeConn) drop() { close(c.frames) }

type fakeTracker struct {
	mu           sync.Mutex
	events       []string
	logins       int
	authFailures int
	dialFailures int
	active       int
	maxActive    int
	conns        chan *fakeConn
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{conns: make(chan *fakeConn, 16)}
}

func (f *fakeTracker) Authenticate(ctx context.Context, creds traccar.Credentials) (traccar.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "auth")
	if f.authFailures > 0 {
		f.authFailures--
		return "", &traccar.AuthError{StatusCode: 401, Err: errors.New("Unauthorized")}
	}
	f.logins++
	return traccar.Token(fmt.Sprintf("JSESSIONID=%d", f.logins)), nil
}

func (f *fakeTracker) Dial(ctx context.Context, token traccar.Token) (traccar.Conn, error) {
	f.mu.Lock()
	if f.dialFailures > 0 {
		f.dialFailures--
		f.events = append(f.events, "dialfail")
		f.mu.Unlock()
		return nil, errors.New("websocket dial failed (status 502): bad handshake")
	}
	f.events = append(f.events, "dial:"+string(token))
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	conn := newFakeConn(func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	})
	f.conns <- conn
	return conn, nil
}

func (f *fakeTracker) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...), f.maxActive
}

type versionedTracker struct {
	*fakeTracker
	version string
}

func (v *versionedTracker) ServerInfo(ctx context.Context, token traccar.Token) (*traccar.ServerInfo, error) {
	v.mu.Lock()
	v.events = append(v.events, "server:"+string(token))
	v.mu.Unlock()
	return &traccar.ServerInfo{Version: v.version}, nil
}

type failingApplier struct {
	mu    sync.Mutex
	calls int
}

func (a *failingApplier) ApplyPosition(ctx context.Context, p models.Position) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return &store.PersistenceError{Collection: constants.DevicesCollection, Key: "5", Err: errors.New("unavailable")}
}

func (a *failingApplier) ApplyMetadata(ctx context.Context, d models.Device) error {
	return a.ApplyPosition(ctx, models.Position{})
}

func (a *failingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// blockingApplier holds every write until release is closed.
type blockingApplier struct {
	release chan struct{}
	calls   atomic.Int64
}

func (a *blockingApplier) ApplyPosition(ctx context.Context, p models.Position) error {
	a.calls.Add(1)
	<-a.release
	return nil
}

func (a *blockingApplier) ApplyMetadata(ctx context.Context, d models.Device) error {
	return a.ApplyPosition(ctx, models.Position{})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(delay time.Duration) StreamConfig {
	return StreamConfig{
		Credentials:    traccar.Credentials{Email: "ops@example.com", Password: "secret"},
		ReconnectDelay: delay,
		Workers:        2,
	}
}

func nextConn(t *testing.T, tracker *fakeTracker) *fakeConn {
	t.Helper()
	select {
	case conn := <-tracker.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was opened")
		return nil
	}
}

func newMemoryStream(tracker *fakeTracker) (*StreamService, *store.MemoryStore) {
	s := store.NewMemoryStore()
	r := reconciler.NewReconciler(s, constants.DevicesCollection, zerolog.Nop())
	return NewStreamService(testConfig(10*time.Millisecond), tracker, tracker, r, zerolog.Nop()), s
}

func TestStreamService_ReauthenticatesBeforeEveryDial(t *testing.T) {
	tracker := newFakeTracker()
	svc, _ := newMemoryStream(tracker)
	require.NoError(t, svc.Start())

	first := nextConn(t, tracker)
	first.drop()
	second := nextConn(t, tracker)
	second.drop()
	nextConn(t, tracker)

	assert.Eventually(t, func() bool { return svc.State() == constants.StateConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Stop())

	events, maxActive := tracker.snapshot()
	assert.Equal(t, []string{
		"auth", "dial:JSESSIONID=1",
		"auth", "dial:JSESSIONID=2",
		"auth", "dial:JSESSIONID=3",
	}, events)
	assert.Equal(t, 1, maxActive)
	assert.True(t, first.isClosed())
	assert.True(t, second.isClosed())
	assert.Equal(t, uint64(3), svc.Connections())
	assert.Equal(t, constants.StateDisconnected, svc.State())
}

func TestStreamService_AuthFailureRetriesAfterDelay(t *testing.T) {
	tracker := newFakeTracker()
	tracker.authFailures = 2

	svc := NewStreamService(testConfig(20*time.Millisecond), tracker, tracker, &failingApplier{}, zerolog.Nop())
	started := time.Now()
	require.NoError(t, svc.Start())
	defer svc.Stop()

	nextConn(t, tracker)
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)

	events, _ := tracker.snapshot()
	assert.Equal(t, []string{"auth", "auth", "auth", "dial:JSESSIONID=1"}, events)
}

func TestStreamService_MalformedFrameKeepsConnection(t *testing.T) {
	tracker := newFakeTracker()
	svc, s := newMemoryStream(tracker)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	conn := nextConn(t, tracker)
	conn.frames <- []byte(`{"positions": [`)
	conn.frames <- []byte(`{"devices":[{"id":7,"name":"Van","status":"offline"}]}`)

	assert.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), constants.DevicesCollection, "7")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	assert.False(t, conn.isClosed())
	assert.Equal(t, uint64(1), svc.Connections())
	assert.Equal(t, uint64(2), svc.Frames())
}

func TestStreamService_EndToEnd(t *testing.T) {
	tracker := newFakeTracker()
	svc, s := newMemoryStream(tracker)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	conn := nextConn(t, tracker)
	conn.frames <- []byte(`{"positions":[{"deviceId":5,"latitude":1.23,"longitude":4.56,"attributes":{"batteryLevel":73.2}}]}`)
	conn.frames <- []byte(`{"devices":[{"id":5,"name":"Rex","status":"online"}]}`)

	want := store.Document{
		"id":           int64(5),
		"lat":          1.23,
		"lng":          4.56,
		"batteryLevel": int64(73),
		"name":         "Rex",
		"status":       "online",
	}
	assert.Eventually(t, func() bool {
		doc, err := s.Get(context.Background(), constants.DevicesCollection, "5")
		return err == nil && assert.ObjectsAreEqual(want, doc)
	}, time.Second, 5*time.Millisecond)
}

func TestStreamService_PersistenceErrorDoesNotStopLoop(t *testing.T) {
	tracker := newFakeTracker()
	applier := &failingApplier{}
	svc := NewStreamService(testConfig(10*time.Millisecond), tracker, tracker, applier, zerolog.Nop())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	conn := nextConn(t, tracker)
	conn.frames <- []byte(`{"positions":[{"deviceId":5,"latitude":1,"longitude":2}]}`)
	conn.frames <- []byte(`{"positions":[{"deviceId":5,"latitude":3,"longitude":4}]}`)

	assert.Eventually(t, func() bool { return applier.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, conn.isClosed())
	assert.Equal(t, constants.StateConnected, svc.State())
}

func TestStreamService_ChecksServerVersionAfterLogin(t *testing.T) {
	tracker := &versionedTracker{fakeTracker: newFakeTracker(), version: "6.2"}
	config := testConfig(10 * time.Millisecond)
	config.CheckServerVersion = true

	svc := NewStreamService(config, tracker, tracker, &failingApplier{}, zerolog.Nop())
	require.NoError(t, svc.Start())
	defer svc.Stop()

	nextConn(t, tracker.fakeTracker)
	events, _ := tracker.snapshot()
	assert.Equal(t, []string{"auth", "server:JSESSIONID=1", "dial:JSESSIONID=1"}, events)
}

func TestStreamService_StopDuringDelay(t *testing.T) {
	tracker := newFakeTracker()
	tracker.authFailures = 1

	svc := NewStreamService(testConfig(time.Hour), tracker, tracker, &failingApplier{}, zerolog.Nop())
	require.NoError(t, svc.Start())

	assert.Eventually(t, func() bool {
		events, _ := tracker.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- svc.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the reconnect delay")
	}
	assert.Equal(t, constants.StateDisconnected, svc.State())
}

func TestStreamService_StartStopGuards(t *testing.T) {
	tracker := newFakeTracker()
	svc, _ := newMemoryStream(tracker)

	assert.Error(t, svc.Stop())
	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())
	nextConn(t, tracker)
	require.NoError(t, svc.Stop())
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "stream read: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamService_DialFailureReauthenticates(t *testing.T) {
	tracker := newFakeTracker()
	tracker.dialFailures = 1

	svc, _ := newMemoryStream(tracker)
	require.NoError(t, svc.Start())
	defer svc.Stop()

	nextConn(t, tracker)
	events, _ := tracker.snapshot()
	assert.Equal(t, []string{"auth", "dialfail", "auth", "dial:JSESSIONID=2"}, events)
	assert.Equal(t, uint64(1), svc.Connections())
}

func TestStreamService_SlowStoreDoesNotStallFrames(t *testing.T) {
	tracker := newFakeTracker()
	applier := &blockingApplier{release: make(chan struct{})}
	defer close(applier.release)

	config := testConfig(10 * time.Millisecond)
	config.Workers = 1
	config.WriteTimeout = time.Hour
	config.DrainTimeout = 50 * time.Millisecond

	svc := NewStreamService(config, tracker, tracker, applier, zerolog.Nop())
	require.NoError(t, svc.Start())

	conn := nextConn(t, tracker)
	go func() {
		for i := 0; i < 100; i++ {
			select {
			case conn.frames <- []byte(`{"positions":[{"deviceId":5,"latitude":1,"longitude":2}]}`):
			case <-conn.closed:
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return svc.Frames() == 100 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), applier.calls.Load())

	stopped := make(chan error, 1)
	go func() { stopped <- svc.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on writes stuck in the store")
	}
}

func TestStreamService_ServerCloseReconnectsWithFreshToken(t *testing.T) {
	var logins, sockets atomic.Int32
	cookies := make(chan string, 8)
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc(traccar.SessionPath, func(w http.ResponseWriter, r *http.Request) {
		n := logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: traccar.SessionCookieName, Value: fmt.Sprintf("s%d", n)})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"email":"ops@example.com"}`))
	})
	mux.HandleFunc(traccar.SocketPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		cookies <- r.Header.Get("Cookie")

		if sockets.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"positions":[{"deviceId":9,"latitude":1,"longitude":2}],"devices":[{"id":9,"name":"A","status":"online"}]}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := traccar.NewClient(srv.URL, nil, time.Second, time.Second)
	require.NoError(t, err)

	logs := &syncBuffer{}
	s := store.NewMemoryStore()
	r := reconciler.NewReconciler(s, constants.DevicesCollection, zerolog.Nop())
	svc := NewStreamService(testConfig(10*time.Millisecond), client, client, r, zerolog.New(logs))
	require.NoError(t, svc.Start())
	defer svc.Stop()

	for _, want := range []string{"JSESSIONID=s1", "JSESSIONID=s2"} {
		select {
		case got := <-cookies:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("no socket opened with %s", want)
		}
	}

	want := store.Document{
		"id":           int64(9),
		"lat":          1.0,
		"lng":          2.0,
		"batteryLevel": nil,
		"name":         "A",
		"status":       "online",
	}
	assert.Eventually(t, func() bool {
		doc, err := s.Get(context.Background(), constants.DevicesCollection, "9")
		return err == nil && assert.ObjectsAreEqual(want, doc)
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return svc.State() == constants.StateConnected }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(logs.String(), "Stream closed by server"))
	assert.True(t, strings.Contains(logs.String(), "Dropping malformed frame"))
	assert.Equal(t, uint64(2), svc.Connections())
}
