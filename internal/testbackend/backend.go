// Package testbackend runs an in-process generation backend for tests. It
// serves the HTTP state endpoints and streams scripted frames over
// gorilla/websocket.
package testbackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// Backend is a fake generation backend.
type Backend struct {
	Server *httptest.Server

	upgrader websocket.Upgrader

	mu         sync.Mutex
	states     map[string]*schedule.GraphState
	scripts    map[string][][]byte
	failures   map[string]int
	hits       map[string]int
	inputs     []string
	frameDelay time.Duration
	hold       chan struct{}
}

// New starts a backend that is closed when the test ends.
func New(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		states:   make(map[string]*schedule.GraphState),
		scripts:  make(map[string][][]byte),
		failures: make(map[string]int),
		hits:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /graph_state", b.handleGraphState)
	mux.HandleFunc("POST /update_schedule", b.handleUpdateSchedule)
	mux.HandleFunc("POST /update_trip", b.handleUpdateTrip)
	mux.HandleFunc("DELETE /reset_state", b.handleReset)
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /ws/generate_schedule", b.handleStream("generate_schedule", false))
	mux.HandleFunc("GET /ws/chat", b.handleStream("chat", true))

	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.Release()
		b.Server.Close()
	})
	return b
}

// URL returns the backend's HTTP base URL.
func (b *Backend) URL() string { return b.Server.URL }

// Script sets the frames streamed on endpoint. Each connection replays them.
func (b *Backend) Script(endpoint string, frames ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[endpoint] = frames
}

// SetFrameDelay spaces out streamed frames.
func (b *Backend) SetFrameDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameDelay = d
}

// Hold makes streams pause after their last frame until Release.
func (b *Backend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold == nil {
		b.hold = make(chan struct{})
	}
}

// Release lets held streams close.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold != nil {
		close(b.hold)
		b.hold = nil
	}
}

// Fail makes requests to path answer with status. Zero clears it.
func (b *Backend) Fail(path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.failures, path)
		return
	}
	b.failures[path] = status
}

// SetState replaces the stored snapshot for a user.
func (b *Backend) SetState(userID string, state schedule.GraphState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state.ScheduleList = schedule.Clone(state.ScheduleList)
	b.states[userID] = &state
}

// State returns a copy of the stored snapshot for a user.
func (b *Backend) State(userID string) schedule.GraphState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := *b.state(userID)
	st.ScheduleList = schedule.Clone(st.ScheduleList)
	return st
}

// Hits returns how many requests reached path.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

// Inputs returns chat inputs received so far.
func (b *Backend) Inputs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.inputs...)
}

func (b *Backend) state(userID string) *schedule.GraphState {
	st, ok := b.states[userID]
	if !ok {
		st = &schedule.GraphState{
			TripProfile:  schedule.TripProfile{UserID: userID},
			ScheduleList: []schedule.ScheduleItem{},
		}
		b.states[userID] = st
	}
	return st
}

// admit records the hit and reports whether the request may proceed.
func (b *Backend) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	b.mu.Lock()
	b.hits[r.URL.Path]++
	status := b.failures[r.URL.Path]
	b.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return "", false
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (b *Backend) handleGraphState(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.admit(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	data, err := json.Marshal(b.state(userID))
	b.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (b *Backend) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.admit(w, r)
	if !ok {
		return
	}
	var body struct {
		ListOfActivities []schedule.ScheduleItem `json:"list_of_activities"`
		ID               string                  `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	b.mu.Lock()
	b.state(userID).ScheduleList = body.ListOfActivities
	b.mu.Unlock()
	writeOK(w)
}

func (b *Backend) handleUpdateTrip(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.admit(w, r)
	if !ok {
		return
	}
	var profile schedule.TripProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	profile.UserID = userID
	b.mu.Lock()
	b.state(userID).TripProfile = profile
	b.mu.Unlock()
	writeOK(w)
}

func (b *Backend) handleReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.admit(w, r)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.states, userID)
	b.mu.Unlock()
	writeOK(w)
}

func (b *Backend) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.hits[r.URL.Path]++
	status := b.failures[r.URL.Path]
	b.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeOK(w)
}

func (b *Backend) handleStream(endpoint string, wantInput bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := b.admit(w, r)
		if !ok {
			return
		}
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if wantInput {
			var msg struct {
				Input string `json:"input"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			b.mu.Lock()
			b.inputs = append(b.inputs, msg.Input)
			b.mu.Unlock()
		}

		b.mu.Lock()
		frames := b.scripts[endpoint]
		delay := b.frameDelay
		hold := b.hold
		b.mu.Unlock()

		// The client never sends after the input, so any read result means it left.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for _, frame := range frames {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gone:
					return
				}
			}
			b.record(userID, frame)
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-gone:
				return
			}
		}

		closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
		select {
		case <-gone:
		case <-time.After(time.Second):
		}
	}
}

// record applies schedule frames to the stored state, the way the real
// backend persists what it streams.
func (b *Backend) record(userID string, frame []byte) {
	ev, err := schedule.DecodeEvent(frame)
	if err != nil {
		return
	}
	switch ev.(type) {
	case schedule.ScheduleUpsertEvent, schedule.ScheduleRemoveEvent, schedule.ScheduleResetEvent:
		b.mu.Lock()
		st := b.state(userID)
		st.ScheduleList = schedule.Apply(st.ScheduleList, ev)
		b.mu.Unlock()
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Frames encodes events in wire form.
func Frames(t testing.TB, events ...schedule.Event) [][]byte {
	t.Helper()
	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := schedule.EncodeEvent(ev)
		if err != nil {
			t.Fatalf("encode %T: %v", ev, err)
		}
		frames = append(frames, data)
	}
	return frames
}
