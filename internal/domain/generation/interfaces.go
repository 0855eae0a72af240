package generation

import (
	"context"

	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/stream"
)

// Journal records generation sessions and their narration.
type Journal interface {
	Start(ctx context.Context, sess *Session) error
	AppendStep(ctx context.Context, sessionID string, index int, step schedule.ReasoningStep) error
	Finish(ctx context.Context, sess *Session) error
	List(ctx context.Context, opts ListOptions) ([]Session, error)
	Steps(ctx context.Context, sessionID string) ([]Step, error)
}

// Connector opens backend streams.
type Connector interface {
	Open(ctx context.Context, req stream.Request) (*stream.Connection, error)
	Cancel(userID string) bool
}

// Snapshots is the part of the snapshot cache a generation run needs.
type Snapshots interface {
	Read(ctx context.Context, userID string) (*schedule.GraphState, error)
	Invalidate(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) (*schedule.GraphState, error)
}

// Observer receives progress while a run streams. Any method may be left
// as a no-op; calls arrive on the reading goroutine in frame order.
type Observer interface {
	OnStep(index int, step schedule.ReasoningStep)
	OnSchedule(items []schedule.ScheduleItem)
	OnMessage(msg schedule.MessageEvent)
	OnError(message string)
	// OnFrame receives every raw frame, including ones that failed to decode.
	OnFrame(data []byte)
}

// NopObserver ignores all progress.
type NopObserver struct{}

func (NopObserver) OnStep(int, schedule.ReasoningStep) {}
func (NopObserver) OnSchedule([]schedule.ScheduleItem) {}
func (NopObserver) OnMessage(schedule.MessageEvent)    {}
func (NopObserver) OnError(string)                     {}
func (NopObserver) OnFrame([]byte)                     {}
