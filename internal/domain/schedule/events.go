package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire values of the data_type discriminator.
const (
	DataTypeReasoningSteps = "reasoning_steps"
	DataTypeSchedule       = "schedule"
)

// EventKind identifies the variant of an Event.
type EventKind string

const (
	KindReasoningStep  EventKind = "reasoning_step"
	KindScheduleUpsert EventKind = "schedule_upsert"
	KindScheduleRemove EventKind = "schedule_remove"
	KindScheduleReset  EventKind = "schedule_reset"
	KindError          EventKind = "error"
	KindMessage        EventKind = "message"
)

// Event is one decoded inbound frame.
type Event interface {
	Kind() EventKind
}

// ReasoningStepEvent carries narration for the narration buffer.
type ReasoningStepEvent struct {
	Step ReasoningStep
}

// ScheduleUpsertEvent inserts or replaces an item by id.
type ScheduleUpsertEvent struct {
	Item ScheduleItem
}

// ScheduleRemoveEvent deletes an item by id.
type ScheduleRemoveEvent struct {
	ID int64
}

// ScheduleResetEvent empties the collection.
type ScheduleResetEvent struct{}

// ErrorEvent is a backend-reported error for one frame.
type ErrorEvent struct {
	Message string
}

// MessageEvent is an assistant reply on the chat endpoint.
type MessageEvent struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

func (ReasoningStepEvent) Kind() EventKind  { return KindReasoningStep }
func (ScheduleUpsertEvent) Kind() EventKind { return KindScheduleUpsert }
func (ScheduleRemoveEvent) Kind() EventKind { return KindScheduleRemove }
func (ScheduleResetEvent) Kind() EventKind  { return KindScheduleReset }
func (ErrorEvent) Kind() EventKind          { return KindError }
func (MessageEvent) Kind() EventKind        { return KindMessage }

type frameHeader struct {
	Error    *string `json:"error"`
	DataType string  `json:"data_type"`
	Role     string  `json:"role"`
	Message  *string `json:"message"`
}

type scheduleFrame struct {
	ID           *int64       `json:"id"`
	ActivityType ActivityType `json:"activity_type"`
	Time         ItemTime     `json:"time"`
	Location     string       `json:"location"`
	Title        string       `json:"title"`
	Description  *string      `json:"description"`
	Suggestion   *string      `json:"suggestion"`
}

// DecodeEvent validates one frame and returns its typed event.
func DecodeEvent(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedEvent)
	}

	var head frameHeader
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if head.Error != nil {
		return ErrorEvent{Message: *head.Error}, nil
	}

	switch head.DataType {
	case DataTypeReasoningSteps:
		var step ReasoningStep
		if err := json.Unmarshal(trimmed, &step); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return ReasoningStepEvent{Step: step}, nil
	case DataTypeSchedule:
		return decodeScheduleFrame(trimmed)
	case "":
		if head.Message != nil {
			return MessageEvent{Role: head.Role, Message: *head.Message}, nil
		}
		return nil, fmt.Errorf("%w: missing data_type", ErrUnknownEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.DataType)
	}
}

func decodeScheduleFrame(data []byte) (Event, error) {
	var frame scheduleFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if frame.ActivityType.IsResetList() {
		return ScheduleResetEvent{}, nil
	}
	if frame.ID == nil {
		return nil, fmt.Errorf("%w: schedule frame without id", ErrMalformedEvent)
	}
	if frame.ActivityType.IsRemove() {
		return ScheduleRemoveEvent{ID: *frame.ID}, nil
	}
	return ScheduleUpsertEvent{Item: ScheduleItem{
		ID:           *frame.ID,
		ActivityType: frame.ActivityType.Normalize(),
		Time:         frame.Time,
		Location:     frame.Location,
		Title:        frame.Title,
		Description:  frame.Description,
		Suggestion:   frame.Suggestion,
	}}, nil
}

// EncodeEvent renders an event in the wire format DecodeEvent accepts.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ReasoningStepEvent:
		return json.Marshal(map[string]any{
			"data_type":   DataTypeReasoningSteps,
			"title":       e.Step.Title,
			"description": e.Step.Description,
		})
	case ScheduleUpsertEvent:
		return json.Marshal(map[string]any{
			"data_type":     DataTypeSchedule,
			"id":            e.Item.ID,
			"activity_type": e.Item.ActivityType,
			"time":          e.Item.Time,
			"location":      e.Item.Location,
			"title":         e.Item.Title,
			"description":   e.Item.Description,
			"suggestion":    e.Item.Suggestion,
		})
	case ScheduleRemoveEvent:
		return json.Marshal(map[string]any{
			"data_type":     DataTypeSchedule,
			"id":            e.ID,
			"activity_type": "REMOVE",
		})
	case ScheduleResetEvent:
		return json.Marshal(map[string]any{
			"data_type":     DataTypeSchedule,
			"activity_type": "RESET_LIST",
		})
	case ErrorEvent:
		return json.Marshal(map[string]string{"error": e.Message})
	case MessageEvent:
		return json.Marshal(map[string]string{"role": e.Role, "message": e.Message})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}
