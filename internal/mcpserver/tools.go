// Package mcpserver registers MCP tools that expose the open list and the
// offline queue. It adapts the sync daemon's components to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/listsync/internal/collection"
	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/alexjbarnes/listsync/internal/replay"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Items is the open list. *listview.View satisfies it.
type Items interface {
	ListID() string
	Snapshot() []models.Item
}

// Queue is the durable offline queue. *state.State satisfies it.
type Queue interface {
	ListAll() ([]models.QueuedMutation, error)
	QueueLen() int
}

// Replayer runs replay passes. *replay.Engine satisfies it.
type Replayer interface {
	Replay(ctx context.Context) (replay.Result, error)
	Last() (replay.Result, bool)
}

// Deps holds what the tools operate on. Items may be nil when no list is
// open, in which case list_items is not registered.
type Deps struct {
	Items    Items
	Queue    Queue
	Replayer Replayer
}

// RegisterTools adds the sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	if d.Items != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "list_items",
			Description: "List the items of the open shopping list as currently known to this device, in display order. Optionally filter to one category group and include checked items.",
		}, listItemsHandler(d.Items))
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_status",
		Description: "Show writes saved while offline that have not reached the server yet, oldest first, plus the outcome of the last replay.",
	}, queueStatusHandler(d.Queue, d.Replayer))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_replay",
		Description: "Send queued offline writes to the server now, in order. Stops at the first write the server cannot take yet; the rest stay queued.",
	}, queueReplayHandler(d.Replayer))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListItemsInput holds parameters for list_items.
type ListItemsInput struct {
	Group          string `json:"group,omitempty" jsonschema:"category id to filter by, or uncategorized; all groups when empty"`
	IncludeChecked bool   `json:"include_checked,omitempty" jsonschema:"include checked items, defaults to false"`
}

// QueueStatusInput has no parameters.
type QueueStatusInput struct{}

// QueueReplayInput has no parameters.
type QueueReplayInput struct{}

// --- Output types ---

// ItemSummary is one item as reported by list_items.
type ItemSummary struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit,omitempty"`
	Group     string  `json:"group"`
	Checked   bool    `json:"checked"`
	SortOrder int     `json:"sort_order"`
}

// ListItemsResult is the response of list_items.
type ListItemsResult struct {
	ListID string        `json:"list_id"`
	Items  []ItemSummary `json:"items"`
	Total  int           `json:"total"`
}

// QueueEntry is one pending offline write. Headers are omitted because
// they carry the bearer token.
type QueueEntry struct {
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	QueuedAt time.Time `json:"queued_at"`
	HasBody  bool      `json:"has_body"`
}

// ReplaySummary reports one replay pass.
type ReplaySummary struct {
	Replayed   int       `json:"replayed"`
	Rejected   int       `json:"rejected"`
	Remaining  int       `json:"remaining"`
	Stopped    bool      `json:"stopped"`
	Notified   bool      `json:"notified"`
	FinishedAt time.Time `json:"finished_at"`
}

// QueueStatusResult is the response of queue_status.
type QueueStatusResult struct {
	Queued     int            `json:"queued"`
	Entries    []QueueEntry   `json:"entries"`
	LastReplay *ReplaySummary `json:"last_replay,omitempty"`
}

// --- Handlers ---

func listItemsHandler(items Items) mcp.ToolHandlerFor[ListItemsInput, *ListItemsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListItemsInput) (*mcp.CallToolResult, *ListItemsResult, error) {
		result := listItems(items, input)
		return textResult(result), result, nil
	}
}

func listItems(items Items, input ListItemsInput) *ListItemsResult {
	snap := items.Snapshot()

	var groups []string
	for _, it := range snap {
		if !slices.Contains(groups, it.Group()) {
			groups = append(groups, it.Group())
		}
	}

	if input.Group != "" {
		groups = []string{input.Group}
	}

	out := []ItemSummary{}

	for _, g := range groups {
		for _, it := range collection.GroupOrder(snap, g) {
			out = append(out, summarize(it))
		}
	}

	if input.IncludeChecked {
		for _, it := range snap {
			if it.Checked && (input.Group == "" || it.Group() == input.Group) {
				out = append(out, summarize(it))
			}
		}
	}

	return &ListItemsResult{ListID: items.ListID(), Items: out, Total: len(out)}
}

func summarize(it models.Item) ItemSummary {
	return ItemSummary{
		ID:        it.ID,
		Name:      it.Name,
		Quantity:  it.Quantity,
		Unit:      it.Unit,
		Group:     it.Group(),
		Checked:   it.Checked,
		SortOrder: it.SortOrder,
	}
}

func queueStatusHandler(q Queue, r Replayer) mcp.ToolHandlerFor[QueueStatusInput, *QueueStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ QueueStatusInput) (*mcp.CallToolResult, *QueueStatusResult, error) {
		all, err := q.ListAll()
		if err != nil {
			return nil, nil, fmt.Errorf("reading queue: %w", err)
		}

		result := &QueueStatusResult{Queued: len(all), Entries: make([]QueueEntry, 0, len(all))}

		for _, m := range all {
			result.Entries = append(result.Entries, QueueEntry{
				Method:   m.Method,
				URL:      m.URL,
				QueuedAt: time.UnixMilli(m.Timestamp).UTC(),
				HasBody:  m.Body != nil,
			})
		}

		if last, ok := r.Last(); ok {
			s := summarizeReplay(last)
			result.LastReplay = &s
		}

		return textResult(result), result, nil
	}
}

func queueReplayHandler(r Replayer) mcp.ToolHandlerFor[QueueReplayInput, *ReplaySummary] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ QueueReplayInput) (*mcp.CallToolResult, *ReplaySummary, error) {
		res, err := r.Replay(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := summarizeReplay(res)

		return textResult(result), &result, nil
	}
}

func summarizeReplay(r replay.Result) ReplaySummary {
	return ReplaySummary{
		Replayed:   r.Replayed,
		Rejected:   r.Rejected,
		Remaining:  r.Remaining,
		Stopped:    r.Stopped,
		Notified:   r.Notified,
		FinishedAt: r.FinishedAt,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
