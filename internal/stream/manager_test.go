package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames    chan []byte
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	case data, ok := <-f.frames:
		if !ok {
			if f.readErr != nil {
				return nil, f.readErr
			}
			return nil, io.EOF
		}
		return data, nil
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close(string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type dialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

func (f dialFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

type staticURLs struct{}

func (staticURLs) StreamURL(endpoint Endpoint, userID string) (string, error) {
	return "ws://backend/ws/" + string(endpoint) + "?user_id=" + userID, nil
}

type recordingSink struct {
	mu     sync.Mutex
	engine *schedule.Engine
	steps  []schedule.ReasoningStep
	errors []string
	frames int
	events atomic.Int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{engine: schedule.NewEngine(nil)}
}

func (s *recordingSink) OnEvent(ev schedule.Event) {
	s.events.Add(1)
	if step, ok := ev.(schedule.ReasoningStepEvent); ok {
		s.mu.Lock()
		s.steps = append(s.steps, step.Step)
		s.mu.Unlock()
		return
	}
	s.engine.Apply(ev)
}

func (s *recordingSink) OnError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *recordingSink) OnFrame([]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
}

func singleConnDialer(conn Conn) dialFunc {
	return func(context.Context, string, http.Header) (Conn, error) { return conn, nil }
}

func TestOpen_RequiresUser(t *testing.T) {
	dialed := false
	m := NewManager(dialFunc(func(context.Context, string, http.Header) (Conn, error) {
		dialed = true
		return newFakeConn(), nil
	}), staticURLs{}, Options{})

	_, err := m.Open(context.Background(), Request{UserID: "  "})
	require.ErrorIs(t, err, ErrUnauthenticated)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindUnauthenticated, kind)
	require.False(t, dialed)
}

func TestDefaultHandshakeTimeout(t *testing.T) {
	require.Equal(t, 5000*time.Millisecond, DefaultHandshakeTimeout)
	m := NewManager(singleConnDialer(newFakeConn()), staticURLs{}, Options{})
	require.Equal(t, DefaultHandshakeTimeout, m.opts.HandshakeTimeout)
}

func TestOpen_HandshakeTimeoutDiscardsLateConnection(t *testing.T) {
	late := newFakeConn()
	late.frames <- []byte(`{"data_type":"schedule","id":1,"activity_type":"meal","time":{"start_time":"2024-05-01T12:00:00"},"location":"x","title":"Lunch"}`)
	release := make(chan struct{})
	m := NewManager(dialFunc(func(context.Context, string, http.Header) (Conn, error) {
		<-release
		return late, nil
	}), staticURLs{}, Options{HandshakeTimeout: 50 * time.Millisecond})

	sink := newRecordingSink()
	start := time.Now()
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.Nil(t, conn)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 0, m.ActiveCount())

	close(release)
	require.Eventually(t, late.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, sink.engine.Len())
}

func TestOpen_DialError(t *testing.T) {
	m := NewManager(dialFunc(func(context.Context, string, http.Header) (Conn, error) {
		return nil, errors.New("connection refused")
	}), staticURLs{}, Options{})

	_, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.ErrorIs(t, err, ErrTransport)
	require.NotErrorIs(t, err, ErrHandshakeTimeout)
}

func TestRun_AppliesFramesInOrder(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})

	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, StateOpen, conn.State())

	fc.frames <- []byte(`{"data_type":"reasoning_steps","title":"Plan","description":"Looking at the morning"}`)
	fc.frames <- []byte(`{"data_type":"schedule","id":1,"activity_type":"museum_gallery","time":{"start_time":"2024-05-01T09:00:00"},"location":"Louvre","title":"A"}`)
	fc.frames <- []byte(`{"data_type":"schedule","id":2,"activity_type":"meal","time":{"start_time":"2024-05-01T12:00:00"},"location":"Cafe","title":"B"}`)
	fc.frames <- []byte(`{"data_type":"schedule","id":1,"activity_type":"remove"}`)
	close(fc.frames)

	sink := newRecordingSink()
	require.NoError(t, conn.Run(context.Background(), sink))
	require.Equal(t, StateClosed, conn.State())

	items := sink.engine.Items()
	require.Len(t, items, 1)
	require.Equal(t, int64(2), items[0].ID)
	require.Equal(t, "B", items[0].Title)
	require.Len(t, sink.steps, 1)
	require.Equal(t, 4, sink.frames)
	require.Equal(t, int64(4), conn.Frames())
	require.Nil(t, m.Active("u1"))
}

func TestRun_ErrorFrameKeepsStreaming(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)

	fc.frames <- []byte(`{"error":"planner overloaded"}`)
	fc.frames <- []byte(`{"data_type":"schedule","id":5,"activity_type":"walk","time":{"start_time":"2024-05-01T10:00:00"},"location":"Seine","title":"Walk"}`)
	close(fc.frames)

	sink := newRecordingSink()
	require.NoError(t, conn.Run(context.Background(), sink))
	require.Equal(t, []string{"planner overloaded"}, sink.errors)
	require.Equal(t, 1, sink.engine.Len())
}

func TestRun_SkipsUndecodableFrames(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)

	fc.frames <- []byte(`not json`)
	fc.frames <- []byte(`{"data_type":"weather","forecast":"rain"}`)
	fc.frames <- []byte(`{"data_type":"schedule","id":9,"activity_type":"event","time":{"start_time":"2024-05-01T20:00:00"},"location":"Opera","title":"Show"}`)
	close(fc.frames)

	sink := newRecordingSink()
	require.NoError(t, conn.Run(context.Background(), sink))
	require.Equal(t, int64(2), conn.Skipped())
	require.Equal(t, 3, sink.frames)
	require.Equal(t, 1, sink.engine.Len())
}

func TestOpen_OneConnectionPerUser(t *testing.T) {
	first, second, other := newFakeConn(), newFakeConn(), newFakeConn()
	conns := map[string][]*fakeConn{"u1": {first, second}, "u2": {other}}
	var mu sync.Mutex
	m := NewManager(dialFunc(func(_ context.Context, url string, _ http.Header) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		user := url[len(url)-2:]
		next := conns[user][0]
		conns[user] = conns[user][1:]
		return next, nil
	}), staticURLs{}, Options{})

	ctx := context.Background()
	c1, err := m.Open(ctx, Request{UserID: "u1"})
	require.NoError(t, err)
	c2, err := m.Open(ctx, Request{UserID: "u2"})
	require.NoError(t, err)
	c3, err := m.Open(ctx, Request{UserID: "u1"})
	require.NoError(t, err)

	require.Equal(t, StateClosed, c1.State())
	require.True(t, first.isClosed())
	require.Same(t, c3, m.Active("u1"))
	require.Same(t, c2, m.Active("u2"))
	require.False(t, other.isClosed())
	require.Equal(t, 2, m.ActiveCount())
}

func TestCancel_StopsDispatch(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background(), sink) }()

	fc.frames <- []byte(`{"data_type":"schedule","id":1,"activity_type":"meal","time":{"start_time":"2024-05-01T12:00:00"},"location":"x","title":"Lunch"}`)
	require.Eventually(t, func() bool { return sink.events.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, m.Cancel("u1"))
	require.ErrorIs(t, <-done, ErrCancelled)
	require.Equal(t, StateClosed, conn.State())

	fc.frames <- []byte(`{"data_type":"schedule","id":2,"activity_type":"meal","time":{"start_time":"2024-05-01T13:00:00"},"location":"y","title":"Late"}`)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(1), sink.events.Load())
	require.False(t, m.Cancel("u1"))
}

// closingConn closes its owning connection inside Read and then hands back a
// frame, as when cancellation lands while a frame is already in hand.
type closingConn struct {
	*fakeConn
	owner *Connection
}

func (c *closingConn) Read(context.Context) ([]byte, error) {
	_ = c.owner.Close()
	return []byte(`{"data_type":"schedule","id":1,"activity_type":"meal","time":{"start_time":"2024-05-01T12:00:00"},"location":"x","title":"Lunch"}`), nil
}

func TestClose_DropsFrameAlreadyRead(t *testing.T) {
	for i := 0; i < 50; i++ {
		cc := &closingConn{fakeConn: newFakeConn()}
		m := NewManager(singleConnDialer(cc), staticURLs{}, Options{})
		conn, err := m.Open(context.Background(), Request{UserID: "u1"})
		require.NoError(t, err)
		cc.owner = conn

		sink := newRecordingSink()
		err = conn.Run(context.Background(), sink)
		require.ErrorIs(t, err, ErrCancelled)
		require.Zero(t, sink.events.Load())
		require.Empty(t, sink.engine.Items())
		require.Equal(t, StateClosed, conn.State())
	}
}

func TestRun_IdleTimeout(t *testing.T) {
	fc := newFakeConn()
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{IdleTimeout: 30 * time.Millisecond})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)

	err = conn.Run(context.Background(), newRecordingSink())
	require.ErrorIs(t, err, ErrIdleTimeout)
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, StateFailed, conn.State())
	require.True(t, fc.isClosed())
}

func TestRun_TransportError(t *testing.T) {
	fc := newFakeConn()
	fc.readErr = errors.New("connection reset by peer")
	close(fc.frames)
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)

	err = conn.Run(context.Background(), newRecordingSink())
	require.ErrorIs(t, err, ErrTransport)
	require.Equal(t, StateFailed, conn.State())
}

func TestRun_RequiresOpenConnection(t *testing.T) {
	fc := newFakeConn()
	close(fc.frames)
	m := NewManager(singleConnDialer(fc), staticURLs{}, Options{})
	conn, err := m.Open(context.Background(), Request{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, conn.Run(context.Background(), newRecordingSink()))

	err = conn.Run(context.Background(), newRecordingSink())
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestOpen_ChatSendsInput(t *testing.T) {
	fc := newFakeConn()
	var dialedURL string
	m := NewManager(dialFunc(func(_ context.Context, url string, _ http.Header) (Conn, error) {
		dialedURL = url
		return fc, nil
	}), staticURLs{}, Options{})

	_, err := m.Open(context.Background(), Request{UserID: "u1", Endpoint: EndpointChat, Input: "add a museum"})
	require.NoError(t, err)
	require.Equal(t, "ws://backend/ws/chat?user_id=u1", dialedURL)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.written, 1)
	require.JSONEq(t, `{"input":"add a museum"}`, string(fc.written[0]))
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateIdle.CanTransition(StateConnecting))
	require.True(t, StateConnecting.CanTransition(StateOpen))
	require.True(t, StateOpen.CanTransition(StateStreaming))
	require.True(t, StateStreaming.CanTransition(StateClosed))
	require.True(t, StateStreaming.CanTransition(StateFailed))
	require.False(t, StateIdle.CanTransition(StateStreaming))
	require.False(t, StateClosed.CanTransition(StateOpen))
	require.False(t, StateFailed.CanTransition(StateConnecting))
	require.True(t, StateClosed.Terminal())
	require.Equal(t, "streaming", StateStreaming.String())
}
