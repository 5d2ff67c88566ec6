package gmail

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"inbox-assistant/internal/inbox"
)

// Tool names exposed by the gmail MCP server.
const (
	ToolSearch    = "search_gmail"
	ToolDraft     = "create_draft"
	ToolSendDraft = "send_draft"
	ToolForward   = "forward_email"
	ToolReply     = "reply_to_thread"
)

type SearchParams struct {
	Query     string `json:"query" mcp:"Gmail search query (e.g., 'from:alice@example.com subject:report')"`
	MaxEmails int    `json:"max_emails,omitempty" mcp:"maximum number of emails to return (default: 10, max: 50)"`
}

type DraftParams struct {
	To      string `json:"to" mcp:"recipient email address"`
	Subject string `json:"subject" mcp:"email subject"`
	Body    string `json:"body" mcp:"plain-text email body"`
}

type SendDraftParams struct {
	DraftID string `json:"draft_id" mcp:"draft handle returned by create_draft"`
}

type ForwardParams struct {
	MessageID string `json:"message_id" mcp:"id of the message to forward"`
	To        string `json:"to" mcp:"recipient email address"`
	Note      string `json:"note,omitempty" mcp:"optional text placed above the forwarded message"`
}

type ReplyParams struct {
	ThreadID string `json:"thread_id" mcp:"thread to reply to"`
	Body     string `json:"body" mcp:"plain-text reply body"`
}

// NewMCPServer exposes provider as MCP tools.
func NewMCPServer(provider inbox.Provider) *mcp.Server {
	h := &mcpHandlers{provider: provider}
	server := mcp.NewServer(&mcp.Implementation{Name: "inbox-assistant-gmail-mcp", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: ToolSearch, Description: "Searches Gmail and returns matching messages, newest first"}, h.search)
	mcp.AddTool(server, &mcp.Tool{Name: ToolDraft, Description: "Creates an unsent Gmail draft"}, h.draft)
	mcp.AddTool(server, &mcp.Tool{Name: ToolSendDraft, Description: "Sends a previously created draft"}, h.sendDraft)
	mcp.AddTool(server, &mcp.Tool{Name: ToolForward, Description: "Forwards an existing message"}, h.forward)
	mcp.AddTool(server, &mcp.Tool{Name: ToolReply, Description: "Replies within an existing thread"}, h.reply)
	return server
}

type mcpHandlers struct {
	provider inbox.Provider
}

func toolFailure(op string, err error) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s failed: %v", op, err)}},
	}
}

func (h *mcpHandlers) search(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SearchParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	emails, err := h.provider.Search(ctx, args.Query, args.MaxEmails)
	if err != nil {
		return toolFailure("search", err), nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d emails for query '%s'", len(emails), args.Query)}},
		Meta: map[string]interface{}{
			"query":       args.Query,
			"emails":      emails,
			"total_found": len(emails),
		},
	}, nil
}

func (h *mcpHandlers) draft(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[DraftParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	id, err := h.provider.CreateDraft(ctx, args.To, args.Subject, args.Body)
	if err != nil {
		return toolFailure("create draft", err), nil
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: "Draft created: " + id}},
		Meta:    map[string]interface{}{"draft_id": id},
	}, nil
}

func (h *mcpHandlers) sendDraft(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SendDraftParams]) (*mcp.CallToolResultFor[any], error) {
	id, err := h.provider.ExecuteDraft(ctx, params.Arguments.DraftID)
	if err != nil {
		return toolFailure("send draft", err), nil
	}
	return sentResult(id), nil
}

func (h *mcpHandlers) forward(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ForwardParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	id, err := h.provider.Forward(ctx, args.MessageID, args.To, args.Note)
	if err != nil {
		return toolFailure("forward", err), nil
	}
	return sentResult(id), nil
}

func (h *mcpHandlers) reply(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ReplyParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	id, err := h.provider.Reply(ctx, args.ThreadID, args.Body)
	if err != nil {
		return toolFailure("reply", err), nil
	}
	return sentResult(id), nil
}

func sentResult(id string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: "Sent: " + id}},
		Meta:    map[string]interface{}{"message_id": id},
	}
}
