package stream

import (
	"context"
	"net/http"

	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// Conn is an open message socket. Read returns io.EOF after the remote end
// closes normally.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens sockets to the backend.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Endpoint names a backend streaming endpoint.
type Endpoint string

const (
	EndpointSchedule Endpoint = "generate_schedule"
	EndpointChat     Endpoint = "chat"
)

// URLResolver maps an endpoint and user to a socket URL.
type URLResolver interface {
	StreamURL(endpoint Endpoint, userID string) (string, error)
}

// Sink receives decoded frames in arrival order on the reading goroutine.
type Sink interface {
	OnEvent(ev schedule.Event)
	// OnError receives backend-reported errors. The stream keeps running.
	OnError(message string)
}

// FrameSink is implemented by sinks that also want every raw frame,
// including frames that fail to decode.
type FrameSink interface {
	OnFrame(data []byte)
}

// SinkFuncs adapts functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Event func(ev schedule.Event)
	Error func(message string)
	Frame func(data []byte)
}

func (s SinkFuncs) OnEvent(ev schedule.Event) {
	if s.Event != nil {
		s.Event(ev)
	}
}

func (s SinkFuncs) OnError(message string) {
	if s.Error != nil {
		s.Error(message)
	}
}

func (s SinkFuncs) OnFrame(data []byte) {
	if s.Frame != nil {
		s.Frame(data)
	}
}
