package schedule

import (
	"strings"
	"time"
)

// ActivityType categorizes a schedule item for presentation.
type ActivityType string

const (
	TypeTerminal       ActivityType = "terminal"
	TypeTransport      ActivityType = "transport"
	TypeWalk           ActivityType = "walk"
	TypeEvent          ActivityType = "event"
	TypeMuseumGallery  ActivityType = "museum_gallery"
	TypeStreets        ActivityType = "streets"
	TypeHistoricalSite ActivityType = "historical_site"
	TypeMeal           ActivityType = "meal"
	TypeOther          ActivityType = "other"

	// TypeRemove marks a deletion on the wire. It is never stored.
	TypeRemove ActivityType = "remove"
	// TypeResetList clears the whole collection. It is never stored.
	TypeResetList ActivityType = "reset_list"
)

var knownTypes = map[ActivityType]struct{}{
	TypeTerminal:       {},
	TypeTransport:      {},
	TypeWalk:           {},
	TypeEvent:          {},
	TypeMuseumGallery:  {},
	TypeStreets:        {},
	TypeHistoricalSite: {},
	TypeMeal:           {},
	TypeOther:          {},
}

// Normalize lowercases the wire value. "REMOVE" and "remove" are equivalent.
func (t ActivityType) Normalize() ActivityType {
	return ActivityType(strings.ToLower(strings.TrimSpace(string(t))))
}

// IsRemove reports whether the value is the removal marker.
func (t ActivityType) IsRemove() bool {
	return t.Normalize() == TypeRemove
}

// IsResetList reports whether the value is the clear-collection marker.
func (t ActivityType) IsResetList() bool {
	return t.Normalize() == TypeResetList
}

// Known reports whether the value is one of the display categories.
func (t ActivityType) Known() bool {
	_, ok := knownTypes[t.Normalize()]
	return ok
}

// ItemTime holds wire timestamps verbatim. EndTime may be time-only or absent.
type ItemTime struct {
	StartTime string  `json:"start_time" validate:"required"`
	EndTime   *string `json:"end_time"`
}

var timeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseStart parses StartTime using the layouts the backend emits.
func (t ItemTime) ParseStart() (time.Time, bool) {
	return parseTimestamp(t.StartTime)
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ScheduleItem is one itinerary entry.
type ScheduleItem struct {
	ID           int64        `json:"id"`
	ActivityType ActivityType `json:"activity_type" validate:"required"`
	Time         ItemTime     `json:"time"`
	Location     string       `json:"location" validate:"required"`
	Title        string       `json:"title" validate:"required"`
	Description  *string      `json:"description"`
	Suggestion   *string      `json:"suggestion"`
}

// IsDraft reports whether the item carries a client-assigned id.
func (i ScheduleItem) IsDraft() bool {
	return i.ID <= DraftIDCeiling
}

// DraftIDCeiling is the highest id in the range reserved for client drafts.
// Backend-assigned ids are never negative.
const DraftIDCeiling int64 = -1

// NextDraftID returns an id below every draft id already present.
func NextDraftID(items []ScheduleItem) int64 {
	next := DraftIDCeiling
	for _, item := range items {
		if item.ID <= next {
			next = item.ID - 1
		}
	}
	return next
}

// ReasoningStep is one piece of progress narration.
type ReasoningStep struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TripProfile holds the user and trip fields the backend keeps next to the schedule.
type TripProfile struct {
	UserID        string `json:"user_id,omitempty"`
	UserName      string `json:"user_name,omitempty"`
	UserInterests string `json:"user_interests,omitempty"`
	UserExtraInfo string `json:"user_extra_info,omitempty"`

	TripArrivalDate     string `json:"trip_arrival_date,omitempty"`
	TripArrivalTime     string `json:"trip_arrival_time,omitempty"`
	TripArrivalTerminal string `json:"trip_arrival_terminal,omitempty"`

	TripDepartureDate     string `json:"trip_departure_date,omitempty"`
	TripDepartureTime     string `json:"trip_departure_time,omitempty"`
	TripDepartureTerminal string `json:"trip_departure_terminal,omitempty"`

	TripLocation              string `json:"trip_location,omitempty" validate:"omitempty,max=200"`
	TripAccommodationLocation string `json:"trip_accommodation_location,omitempty"`

	TripBudget string `json:"trip_budget,omitempty"`
	TripTheme  string `json:"trip_theme,omitempty"`

	TripStartOfDayAt string `json:"trip_start_of_day_at,omitempty"`
	TripEndOfDayAt   string `json:"trip_end_of_day_at,omitempty"`

	TripFixedSchedules []ScheduleItem `json:"trip_fixed_schedules,omitempty" validate:"dive"`
}

// GraphState is the server-held snapshot for one user.
type GraphState struct {
	TripProfile
	ScheduleList []ScheduleItem `json:"schedule_list"`
	// ConnectionClosed is set while the backend is mid-generation but not
	// streaming to this client.
	ConnectionClosed bool `json:"connection_closed"`
}

// Clone copies the item list. Optional string fields are shared; they are never mutated.
func Clone(items []ScheduleItem) []ScheduleItem {
	if items == nil {
		return nil
	}
	out := make([]ScheduleItem, len(items))
	copy(out, items)
	return out
}
