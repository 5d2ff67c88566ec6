package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/inbox"
)

// MCPClient implements inbox.Provider by calling the gmail MCP server.
type MCPClient struct {
	client  *mcp.Client
	session *mcp.ClientSession
	logger  zerolog.Logger
}

var _ inbox.Provider = (*MCPClient)(nil)

func NewMCPClient() *MCPClient {
	return &MCPClient{
		client: mcp.NewClient(&mcp.Implementation{Name: "inbox-assistant", Version: "1.0.0"}, nil),
		logger: log.With().Str("component", "gmail-mcp").Logger(),
	}
}

// Connect starts serverPath as a subprocess and talks to it over stdio.
// env is appended to the current environment of the child.
func (m *MCPClient) Connect(ctx context.Context, serverPath string, env ...string) error {
	if serverPath == "" {
		serverPath = "./gmail-mcp-server"
	}
	cmd := exec.CommandContext(ctx, serverPath)
	cmd.Env = append(os.Environ(), env...)
	return m.ConnectTransport(ctx, mcp.NewCommandTransport(cmd))
}

func (m *MCPClient) ConnectTransport(ctx context.Context, transport mcp.Transport) error {
	session, err := m.client.Connect(ctx, transport)
	if err != nil {
		return fmt.Errorf("connect to gmail mcp server: %w", err)
	}
	m.session = session
	m.logger.Info().Msg("connected to gmail mcp server")
	return nil
}

func (m *MCPClient) Close() error {
	if m.session != nil {
		return m.session.Close()
	}
	return nil
}

func (m *MCPClient) call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	if m.session == nil {
		return nil, inbox.ErrNotConnected
	}
	res, err := m.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tool, err)
	}
	if res.IsError {
		return nil, errors.New(resultText(res))
	}
	return res.Meta, nil
}

func resultText(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	if b.Len() == 0 {
		return "tool returned an error"
	}
	return b.String()
}

func (m *MCPClient) Search(ctx context.Context, query string, max int) ([]inbox.Email, error) {
	meta, err := m.call(ctx, ToolSearch, map[string]any{"query": query, "max_emails": max})
	if err != nil {
		return nil, err
	}
	emails, err := decodeEmails(meta["emails"])
	if err != nil {
		return nil, err
	}
	inbox.SortNewestFirst(emails)
	return emails, nil
}

// decodeEmails re-reads the transported meta value into typed emails.
func decodeEmails(v any) ([]inbox.Email, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode search meta: %w", err)
	}
	var out []inbox.Email
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode search meta: %w", err)
	}
	return out, nil
}

func (m *MCPClient) CreateDraft(ctx context.Context, to, subject, body string) (string, error) {
	meta, err := m.call(ctx, ToolDraft, map[string]any{"to": to, "subject": subject, "body": body})
	if err != nil {
		return "", err
	}
	return metaString(meta, "draft_id")
}

func (m *MCPClient) ExecuteDraft(ctx context.Context, draftID string) (string, error) {
	meta, err := m.call(ctx, ToolSendDraft, map[string]any{"draft_id": draftID})
	if err != nil {
		return "", err
	}
	return metaString(meta, "message_id")
}

func (m *MCPClient) Forward(ctx context.Context, messageID, to, note string) (string, error) {
	meta, err := m.call(ctx, ToolForward, map[string]any{"message_id": messageID, "to": to, "note": note})
	if err != nil {
		return "", err
	}
	return metaString(meta, "message_id")
}

func (m *MCPClient) Reply(ctx context.Context, threadID, body string) (string, error) {
	meta, err := m.call(ctx, ToolReply, map[string]any{"thread_id": threadID, "body": body})
	if err != nil {
		return "", err
	}
	return metaString(meta, "message_id")
}

func metaString(meta map[string]any, key string) (string, error) {
	if s, ok := meta[key].(string); ok && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("tool result is missing %s", key)
}
