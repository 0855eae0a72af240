// Package stream owns backend websocket sessions: at most one per user,
// a bounded handshake, and ordered frame dispatch.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// DefaultHandshakeTimeout bounds how long Open waits for the backend to accept.
const DefaultHandshakeTimeout = 5000 * time.Millisecond

// Options configures a Manager.
type Options struct {
	HandshakeTimeout time.Duration
	// IdleTimeout fails a stream that receives nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// Header is sent with every dial.
	Header http.Header
	Logger *slog.Logger
}

// Request describes a connection to open.
type Request struct {
	UserID   string
	Endpoint Endpoint
	// Input is sent as {"input": ...} right after the socket opens.
	Input string
}

// Manager opens connections and enforces one live connection per user.
type Manager struct {
	dialer Dialer
	urls   URLResolver
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Connection
	nextID atomic.Uint64
}

// NewManager creates a manager dialing through dialer.
func NewManager(dialer Dialer, urls URLResolver, opts Options) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		dialer: dialer,
		urls:   urls,
		opts:   opts,
		logger: logger,
		active: make(map[string]*Connection),
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// Open closes any existing connection for the user, then dials a new one.
// The returned connection is Open; call Run to consume it.
func (m *Manager) Open(ctx context.Context, req Request) (*Connection, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, &ConnectError{Kind: KindUnauthenticated, Cause: ErrUnauthenticated}
	}
	if req.Endpoint == "" {
		req.Endpoint = EndpointSchedule
	}
	url, err := m.urls.StreamURL(req.Endpoint, req.UserID)
	if err != nil {
		return nil, &ConnectError{Kind: KindTransport, Cause: err}
	}

	c := m.newConnection(req)
	m.mu.Lock()
	prior := m.active[req.UserID]
	m.active[req.UserID] = c
	m.mu.Unlock()
	if prior != nil {
		m.logger.Debug("closing superseded connection", "user_id", req.UserID, "connection_id", prior.id)
		_ = prior.Close()
	}

	if err := c.transition(StateConnecting); err != nil {
		m.release(c)
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := m.dialer.Dial(dialCtx, url, m.opts.Header.Clone())
		results <- dialResult{conn: conn, err: err}
	}()

	var res dialResult
	select {
	case res = <-results:
	case <-dialCtx.Done():
		go func() {
			if late := <-results; late.conn != nil {
				_ = late.conn.Close("handshake abandoned")
			}
		}()
		res.err = dialCtx.Err()
	}

	if res.err == nil && c.ctx.Err() != nil {
		_ = res.conn.Close("cancelled")
		res.err = ErrCancelled
	}
	if res.err != nil {
		return nil, m.failOpen(ctx, c, res.err)
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()
	if err := c.transition(StateOpen); err != nil {
		_ = res.conn.Close("cancelled")
		m.release(c)
		return nil, &ConnectError{Kind: KindTransport, Cause: ErrCancelled}
	}

	if req.Input != "" {
		payload, err := json.Marshal(map[string]string{"input": req.Input})
		if err == nil {
			err = res.conn.Write(ctx, payload)
		}
		if err != nil {
			c.fail()
			return nil, &ConnectError{Kind: KindTransport, Cause: fmt.Errorf("send input: %w", err)}
		}
	}

	m.logger.Debug("stream opened", "user_id", req.UserID, "endpoint", req.Endpoint, "connection_id", c.id)
	return c, nil
}

func (m *Manager) failOpen(ctx context.Context, c *Connection, cause error) error {
	defer m.release(c)

	switch {
	case c.ctx.Err() != nil:
		c.settle(StateClosed)
		return &ConnectError{Kind: KindTransport, Cause: ErrCancelled}
	case ctx.Err() != nil:
		c.settle(StateClosed)
		return &ConnectError{Kind: KindTransport, Cause: ctx.Err()}
	case errors.Is(cause, context.DeadlineExceeded):
		c.settle(StateFailed)
		m.logger.Warn("stream handshake timed out", "user_id", c.userID, "timeout", m.opts.HandshakeTimeout)
		return &ConnectError{Kind: KindHandshakeTimeout, Cause: ErrHandshakeTimeout}
	default:
		c.settle(StateFailed)
		m.logger.Warn("stream dial failed", "user_id", c.userID, "error", cause)
		return &ConnectError{Kind: KindTransport, Cause: cause}
	}
}

// Cancel closes the user's live connection. It reports whether one existed.
func (m *Manager) Cancel(userID string) bool {
	m.mu.Lock()
	c := m.active[userID]
	m.mu.Unlock()
	if c == nil {
		return false
	}
	_ = c.Close()
	return true
}

// Active returns the user's live connection, if any.
func (m *Manager) Active(userID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[userID]
}

// ActiveCount returns how many users have a live connection.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CloseAll closes every live connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.active))
	for _, c := range m.active {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *Manager) release(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[c.userID] == c {
		delete(m.active, c.userID)
	}
}

func (m *Manager) newConnection(req Request) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       m.nextID.Add(1),
		userID:   req.UserID,
		endpoint: req.Endpoint,
		manager:  m,
		logger:   m.logger,
		idle:     m.opts.IdleTimeout,
		state:    StateIdle,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connection is one backend socket for one user.
type Connection struct {
	id       uint64
	userID   string
	endpoint Endpoint
	manager  *Manager
	logger   *slog.Logger
	idle     time.Duration

	mu    sync.Mutex
	state State
	conn  Conn

	// dispatchMu is held while a frame is handed to the sink.
	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	frames  atomic.Int64
	skipped atomic.Int64
}

// ID identifies the connection within its manager.
func (c *Connection) ID() uint64 { return c.id }

// UserID returns the connection's user.
func (c *Connection) UserID() string { return c.userID }

// Endpoint returns the backend endpoint the connection streams from.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Frames returns how many frames were read.
func (c *Connection) Frames() int64 { return c.frames.Load() }

// Skipped returns how many frames failed to decode.
func (c *Connection) Skipped() int64 { return c.skipped.Load() }

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.state, to)
	}
	c.state = to
	return nil
}

// settle moves to a terminal state unless one was already reached.
func (c *Connection) settle(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		c.state = to
	}
}

func (c *Connection) fail() {
	c.settle(StateFailed)
	c.closeSocket("failed")
	c.manager.release(c)
}

func (c *Connection) closeSocket(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(reason)
	}
}

// Close cancels the connection. No frame is dispatched after Close returns,
// so it must not be called from a Sink callback.
func (c *Connection) Close() error {
	c.cancel()
	// Wait out a dispatch in progress; later frames see the cancelled context.
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()
	c.settle(StateClosed)
	c.closeSocket("cancelled")
	c.manager.release(c)
	return nil
}

// Run reads frames until the stream ends and dispatches each one to sink
// before reading the next. A normal remote close returns nil.
func (c *Connection) Run(ctx context.Context, sink Sink) error {
	if err := c.transition(StateStreaming); err != nil {
		return err
	}
	defer c.manager.release(c)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	frames, _ := sink.(FrameSink)
	for {
		data, idleExpired, err := c.read(runCtx)
		if err == nil && runCtx.Err() != nil {
			err = runCtx.Err()
		}
		if err != nil {
			return c.finish(ctx, err, idleExpired)
		}

		c.frames.Add(1)
		if !c.deliver(data, sink, frames) {
			return c.finish(ctx, ErrCancelled, false)
		}
	}
}

// deliver hands one frame to the sink unless the connection was closed.
func (c *Connection) deliver(data []byte, sink Sink, frames FrameSink) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	if frames != nil {
		frames.OnFrame(data)
	}
	c.dispatch(data, sink)
	return true
}

func (c *Connection) read(ctx context.Context) ([]byte, bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if c.idle <= 0 {
		data, err := conn.Read(ctx)
		return data, false, err
	}
	readCtx, cancel := context.WithTimeout(ctx, c.idle)
	defer cancel()
	data, err := conn.Read(readCtx)
	expired := err != nil && errors.Is(readCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return data, expired, err
}

func (c *Connection) finish(ctx context.Context, err error, idleExpired bool) error {
	switch {
	case c.ctx.Err() != nil:
		c.settle(StateClosed)
		return ErrCancelled
	case ctx.Err() != nil:
		c.settle(StateClosed)
		c.closeSocket("cancelled")
		return ctx.Err()
	case errors.Is(err, io.EOF):
		c.settle(StateClosed)
		c.logger.Debug("stream closed by backend", "user_id", c.userID, "frames", c.frames.Load())
		return nil
	case idleExpired:
		c.settle(StateFailed)
		c.closeSocket("idle timeout")
		c.logger.Warn("stream idle timeout", "user_id", c.userID, "timeout", c.idle)
		return &ConnectError{Kind: KindTransport, Cause: ErrIdleTimeout}
	default:
		c.settle(StateFailed)
		c.closeSocket("read failed")
		c.logger.Warn("stream read failed", "user_id", c.userID, "error", err)
		return &ConnectError{Kind: KindTransport, Cause: err}
	}
}

func (c *Connection) dispatch(data []byte, sink Sink) {
	ev, err := schedule.DecodeEvent(data)
	if err != nil {
		c.skipped.Add(1)
		c.logger.Warn("skipping frame", "user_id", c.userID, "error", err)
		return
	}
	if e, ok := ev.(schedule.ErrorEvent); ok {
		sink.OnError(e.Message)
		return
	}
	sink.OnEvent(ev)
}
