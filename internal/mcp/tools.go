package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/gateway"
)

type emptyInput struct{}

type itemInput struct {
	ID           int64  `json:"id" jsonschema:"item id; negative ids are client drafts"`
	ActivityType string `json:"activity_type" jsonschema:"terminal, transport, walk, event, museum_gallery, streets, historical_site, meal or other"`
	StartTime    string `json:"start_time" jsonschema:"start as YYYY-MM-DD HH:MM"`
	EndTime      string `json:"end_time,omitempty" jsonschema:"end time, date optional"`
	Location     string `json:"location"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Suggestion   string `json:"suggestion,omitempty"`
}

func (in itemInput) item() schedule.ScheduleItem {
	item := schedule.ScheduleItem{
		ID:           in.ID,
		ActivityType: schedule.ActivityType(in.ActivityType),
		Time:         schedule.ItemTime{StartTime: in.StartTime},
		Location:     in.Location,
		Title:        in.Title,
	}
	if in.EndTime != "" {
		item.Time.EndTime = &in.EndTime
	}
	if in.Description != "" {
		item.Description = &in.Description
	}
	if in.Suggestion != "" {
		item.Suggestion = &in.Suggestion
	}
	return item
}

type updateScheduleInput struct {
	Activities []itemInput `json:"list_of_activities" jsonschema:"the complete schedule; items left out are deleted"`
}

type updateTripInput struct {
	Profile map[string]any `json:"profile" jsonschema:"trip profile fields, named as in graph state"`
}

type generateInput struct {
	Variant string `json:"variant,omitempty" jsonschema:"schedule (default) or chat"`
	Input   string `json:"input,omitempty" jsonschema:"chat message; required for the chat variant"`
}

type listGenerationsInput struct {
	Status string `json:"status,omitempty" jsonschema:"running, completed, failed or cancelled"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// generateOutput summarises a finished run. Frames themselves are not returned.
type generateOutput struct {
	SessionID string                   `json:"session_id"`
	Status    generation.Status        `json:"status"`
	Steps     []schedule.ReasoningStep `json:"steps"`
	Messages  []schedule.MessageEvent  `json:"messages,omitempty"`
	Errors    []string                 `json:"errors,omitempty"`
	Schedule  []schedule.ScheduleItem  `json:"schedule"`
}

func registerTools(server *sdkmcp.Server, svc Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_graph_state",
		Description: "Get the current trip profile and schedule",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		raw, err := svc.Schedules.ReadSnapshotRaw(ctx, getUserID(ctx))
		if err != nil {
			return errorResult(err), nil, nil
		}
		if raw == nil {
			raw = []byte("null")
		}
		return textResult(string(raw)), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "update_schedule",
		Description: "Replace the schedule with the given activities",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in updateScheduleInput) (*sdkmcp.CallToolResult, any, error) {
		items := make([]schedule.ScheduleItem, 0, len(in.Activities))
		for _, a := range in.Activities {
			items = append(items, a.item())
		}
		if err := svc.Schedules.UpdateSchedule(ctx, getUserID(ctx), items); err != nil {
			return errorResult(err), nil, nil
		}
		return jsonResult(map[string]any{"status": "ok", "items": len(items)}), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "update_trip",
		Description: "Replace the trip profile",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in updateTripInput) (*sdkmcp.CallToolResult, any, error) {
		profile, err := decodeProfile(in.Profile)
		if err != nil {
			return errorResult(err), nil, nil
		}
		if err := svc.Schedules.UpdateTrip(ctx, getUserID(ctx), profile); err != nil {
			return errorResult(err), nil, nil
		}
		return jsonResult(map[string]string{"status": "ok"}), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "reset_state",
		Description: "Clear the generation state so the next run starts fresh",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		if err := svc.Schedules.Reset(ctx, getUserID(ctx)); err != nil {
			return errorResult(err), nil, nil
		}
		return jsonResult(map[string]string{"status": "ok"}), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "generate_schedule",
		Description: "Run a generation session to completion and return the refreshed schedule",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in generateInput) (*sdkmcp.CallToolResult, any, error) {
		result, err := svc.Generations.Generate(ctx, generation.Request{
			UserID:  getUserID(ctx),
			Variant: generation.Variant(in.Variant),
			Input:   in.Input,
		}, nil)
		if err != nil {
			return errorResult(err), nil, nil
		}
		out := generateOutput{
			SessionID: result.SessionID,
			Status:    result.Status,
			Steps:     result.Steps,
			Messages:  result.Messages,
			Errors:    result.Errors,
			Schedule:  result.Streamed,
		}
		if result.Snapshot != nil {
			out.Schedule = result.Snapshot.ScheduleList
		}
		return jsonResult(out), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "cancel_generation",
		Description: "Stop the running generation session, if any",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		return jsonResult(map[string]bool{"cancelled": svc.Generations.Cancel(getUserID(ctx))}), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "check_availability",
		Description: "Report whether the backend can start a generation right now",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, _ emptyInput) (*sdkmcp.CallToolResult, any, error) {
		avail, err := svc.Generations.CheckAvailability(ctx, getUserID(ctx))
		if err != nil && !errors.Is(err, generation.ErrBackendUnreachable) {
			return errorResult(err), nil, nil
		}
		return jsonResult(map[string]any{
			"available":        avail.Available,
			"retry_after_ms":   avail.RetryAfter.Milliseconds(),
			"reload_suggested": avail.ReloadSuggested,
		}), nil, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_generations",
		Description: "List past generation sessions, newest first",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in listGenerationsInput) (*sdkmcp.CallToolResult, any, error) {
		opts := generation.ListOptions{UserID: getUserID(ctx), Limit: in.Limit, Offset: in.Offset}
		if in.Status != "" {
			status := generation.Status(in.Status)
			opts.Status = &status
		}
		sessions, err := svc.Generations.History(ctx, opts)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return jsonResult(map[string]any{"sessions": sessions}), nil, nil
	})
}

func decodeProfile(fields map[string]any) (schedule.TripProfile, error) {
	var profile schedule.TripProfile
	data, err := json.Marshal(fields)
	if err != nil {
		return profile, fmt.Errorf("%w: trip profile: %v", gateway.ErrInvalidInput, err)
	}
	if err := json.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("%w: trip profile: %v", gateway.ErrInvalidInput, err)
	}
	return profile, nil
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}}}
}

func jsonResult(v any) *sdkmcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return textResult(string(data))
}

func errorResult(err error) *sdkmcp.CallToolResult {
	apiErr := MapError(err)
	if apiErr == nil {
		apiErr = &APIError{Code: "INTERNAL", Message: err.Error()}
	}
	data, _ := json.Marshal(apiErr)
	result := textResult(string(data))
	result.IsError = true
	return result
}
