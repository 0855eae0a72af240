package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `tripsync keeps one trip schedule per user in sync with the generation backend.

Core concepts:
- Graph state: the backend's snapshot of the trip profile plus schedule_list. Reads go through a short-lived cache that every mutation invalidates.
- Schedule item: id, activity_type, time.start_time, location, title. Negative ids are client drafts.
- Generation session: one streamed run per user. A second run for the same user supersedes the first.

Default workflow:
1) Orient: call get_graph_state.
2) Edit: update_schedule with the complete list (omitted items are deleted), or update_trip for profile fields.
3) Generate: call check_availability, then generate_schedule. The result carries the refreshed schedule.
4) Start over: reset_state clears generation state on the backend.

Docs:
- tripsync://docs/index
- tripsync://docs/frames
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "tripsync://docs/index",
		Name:        "docs_index",
		Title:       "tripsync docs index",
		Description: "What the tools do and the order to call them in.",
		Content: `# tripsync: Agent Docs Index

## Tools

- ` + "`get_graph_state`" + `: trip profile, schedule_list and connection_closed.
- ` + "`update_schedule`" + `: replace the schedule. Ids must be unique; activity_type must be a display category.
- ` + "`update_trip`" + `: replace the trip profile.
- ` + "`reset_state`" + `: clear backend generation state.
- ` + "`check_availability`" + `: false while the backend is busy with a run it cannot stream. Wait retry_after_ms.
- ` + "`generate_schedule`" + `: stream a run to completion. Use variant=chat with input to ask for a change.
- ` + "`cancel_generation`" + `: stop the running session.
- ` + "`list_generations`" + `: past sessions with status and step counts.

## Errors

Failed tools return an error object with code, message and recovery_hint.
UPSTREAM_REJECTED means the backend refused the request and the cached state was left alone.
`,
	},
	{
		URI:         "tripsync://docs/frames",
		Name:        "docs_frames",
		Title:       "Stream frame format",
		Description: "The JSON frames a generation session emits, and how they change the schedule.",
		Content: `# Stream frames

Each frame is one JSON object.

- ` + "`{\"data_type\":\"reasoning_steps\",\"title\":...,\"description\":...}`" + `: narration, appended in order.
- ` + "`{\"data_type\":\"schedule\",\"id\":N,\"activity_type\":...}`" + `: insert item N, or replace it in place if present.
- ` + "`{\"data_type\":\"schedule\",\"id\":N,\"activity_type\":\"REMOVE\"}`" + `: delete item N. Deleting a missing id is a no-op.
- ` + "`{\"error\":\"...\"}`" + `: a backend error. The stream continues.
- ` + "`{\"role\":\"assistant\",\"message\":\"...\"}`" + `: chat reply.

Frames are applied strictly in arrival order. When the stream closes, the server reloads graph state and that snapshot wins over the streamed copy.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
