package gateway

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rpggio/tripsync/internal/domain/schedule"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names rather than Go field names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type scheduleUpdate struct {
	Items []schedule.ScheduleItem `json:"list_of_activities" validate:"dive"`
}

func (g *Gateway) validateSchedule(items []schedule.ScheduleItem) error {
	if err := g.validate.Struct(scheduleUpdate{Items: items}); err != nil {
		return formatValidationError(err)
	}
	return checkItems("list_of_activities", items)
}

func (g *Gateway) validateProfile(profile schedule.TripProfile) error {
	if err := g.validate.Struct(profile); err != nil {
		return formatValidationError(err)
	}
	return checkItems("trip_fixed_schedules", profile.TripFixedSchedules)
}

// checkItems enforces what struct tags cannot: unique ids and a stored category.
func checkItems(field string, items []schedule.ScheduleItem) error {
	seen := make(map[int64]struct{}, len(items))
	for i, item := range items {
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: %s[%d]: duplicate id %d", ErrInvalidInput, field, i, item.ID)
		}
		seen[item.ID] = struct{}{}
		if item.ActivityType.IsRemove() {
			return fmt.Errorf("%w: %s[%d]: remove is not a storable activity type", ErrInvalidInput, field, i)
		}
		if item.ActivityType != "" && !item.ActivityType.Known() {
			return fmt.Errorf("%w: %s[%d]: unknown activity type %q", ErrInvalidInput, field, i, item.ActivityType)
		}
	}
	return nil
}

// formatValidationError formats validation errors into readable messages
func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		messages = append(messages, formatFieldError(e))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(messages, "; "))
}

// formatFieldError formats a single field validation error
func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
