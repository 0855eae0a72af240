package stream_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rpggio/tripsync/internal/backend"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/stream"
	"github.com/rpggio/tripsync/internal/testbackend"
	"github.com/stretchr/testify/require"
)

func item(id int64, title string) schedule.ScheduleItem {
	return schedule.ScheduleItem{
		ID:           id,
		ActivityType: schedule.TypeWalk,
		Time:         schedule.ItemTime{StartTime: "2024-05-01 09:00"},
		Location:     "Old town",
		Title:        title,
	}
}

func newManager(t *testing.T, fake *testbackend.Backend, opts stream.Options) *stream.Manager {
	t.Helper()
	client, err := backend.New(fake.URL(), backend.Options{})
	require.NoError(t, err)
	return stream.NewManager(stream.WebsocketDialer{}, client, opts)
}

func TestWebsocketDialer_StreamsScheduleToClose(t *testing.T) {
	fake := testbackend.New(t)
	fake.Script("generate_schedule", testbackend.Frames(t,
		schedule.ReasoningStepEvent{Step: schedule.ReasoningStep{Title: "Planning", Description: "Day one"}},
		schedule.ScheduleUpsertEvent{Item: item(1, "A")},
		schedule.ScheduleUpsertEvent{Item: item(2, "B")},
		schedule.ScheduleRemoveEvent{ID: 1},
	)...)
	mgr := newManager(t, fake, stream.Options{})

	conn, err := mgr.Open(context.Background(), stream.Request{UserID: "u1"})
	require.NoError(t, err)

	engine := schedule.NewEngine(nil)
	var steps []schedule.ReasoningStep
	err = conn.Run(context.Background(), stream.SinkFuncs{
		Event: func(ev schedule.Event) {
			if step, ok := ev.(schedule.ReasoningStepEvent); ok {
				steps = append(steps, step.Step)
				return
			}
			engine.Apply(ev)
		},
	})
	require.NoError(t, err)
	require.Equal(t, stream.StateClosed, conn.State())
	require.Equal(t, int64(4), conn.Frames())

	items := engine.Items()
	require.Len(t, items, 1)
	require.Equal(t, "B", items[0].Title)
	require.Len(t, steps, 1)
	require.Equal(t, []schedule.ScheduleItem{item(2, "B")}, fake.State("u1").ScheduleList)
	require.Zero(t, mgr.ActiveCount())
}

func TestWebsocketDialer_ChatSendsInput(t *testing.T) {
	fake := testbackend.New(t)
	fake.Script("chat", testbackend.Frames(t,
		schedule.MessageEvent{Role: "assistant", Message: "Moved lunch to 13:00"},
	)...)
	mgr := newManager(t, fake, stream.Options{})

	conn, err := mgr.Open(context.Background(), stream.Request{
		UserID:   "u1",
		Endpoint: stream.EndpointChat,
		Input:    "later lunch please",
	})
	require.NoError(t, err)

	var messages []schedule.MessageEvent
	err = conn.Run(context.Background(), stream.SinkFuncs{
		Event: func(ev schedule.Event) {
			if msg, ok := ev.(schedule.MessageEvent); ok {
				messages = append(messages, msg)
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"later lunch please"}, fake.Inputs())
	require.Len(t, messages, 1)
	require.Equal(t, "Moved lunch to 13:00", messages[0].Message)
}

func TestWebsocketDialer_RejectedUpgradeIsTransportError(t *testing.T) {
	fake := testbackend.New(t)
	fake.Fail("/ws/generate_schedule", http.StatusServiceUnavailable)
	mgr := newManager(t, fake, stream.Options{})

	_, err := mgr.Open(context.Background(), stream.Request{UserID: "u1"})
	require.ErrorIs(t, err, stream.ErrTransport)
	kind, ok := stream.KindOf(err)
	require.True(t, ok)
	require.Equal(t, stream.KindTransport, kind)
}

func TestWebsocketDialer_CancelWhileStreaming(t *testing.T) {
	fake := testbackend.New(t)
	fake.Script("generate_schedule", testbackend.Frames(t,
		schedule.ScheduleUpsertEvent{Item: item(1, "A")},
	)...)
	fake.Hold()
	mgr := newManager(t, fake, stream.Options{})

	conn, err := mgr.Open(context.Background(), stream.Request{UserID: "u1"})
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(context.Background(), stream.SinkFuncs{
			Event: func(schedule.Event) { received <- struct{}{} },
		})
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	require.True(t, mgr.Cancel("u1"))

	select {
	case err := <-done:
		require.ErrorIs(t, err, stream.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Equal(t, stream.StateClosed, conn.State())
}
