package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"inbox-assistant/internal/inbox"
)

func b64(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func TestParseMessage_PrefersPlainText(t *testing.T) {
	msg := &gmailapi.Message{
		Id:           "m1",
		ThreadId:     "t1",
		Snippet:      "snip",
		LabelIds:     []string{"INBOX", "IMPORTANT"},
		InternalDate: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "Subject", Value: "Report"},
				{Name: "To", Value: "me@example.com"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: b64("<p>html</p>")}},
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: b64("plain body\n")}},
			},
		},
	}
	e := ParseMessage(msg)
	assert.Equal(t, "Alice <alice@example.com>", e.From)
	assert.Equal(t, "Report", e.Subject)
	assert.Equal(t, "plain body", e.Body)
	assert.True(t, e.HasLabel("important"))
	assert.Equal(t, 2025, e.Timestamp.Year())
}

func TestBuildRaw(t *testing.T) {
	raw := BuildRaw(Outgoing{To: "bob@example.com", Subject: "Hi", Body: "hello", InReplyTo: "<id@x>"})
	decoded, err := base64.URLEncoding.DecodeString(raw)
	require.NoError(t, err)
	s := string(decoded)
	assert.Contains(t, s, "To: bob@example.com\r\n")
	assert.Contains(t, s, "Subject: Hi\r\n")
	assert.Contains(t, s, "In-Reply-To: <id@x>\r\n")
	assert.Contains(t, s, "\r\n\r\nhello")
}

func TestParseCredentials(t *testing.T) {
	c, err := ParseCredentials(`{"installed":{"client_id":"id","client_secret":"secret","redirect_uris":["http://localhost"]}}`)
	require.NoError(t, err)
	assert.Equal(t, "id", c.ClientID)
	assert.Equal(t, "http://localhost", OAuthConfig(c).RedirectURL)

	c, err = ParseCredentials(`{"client_id":"a","client_secret":"b"}`)
	require.NoError(t, err)
	assert.Equal(t, "a", c.ClientID)

	_, err = ParseCredentials(`{}`)
	require.Error(t, err)
}

func TestService_SearchAgainstFakeAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "from:alice", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "old"}, {"id": "new"}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/gmail/v1/users/me/messages/"):]
		ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		if id == "new" {
			ts = ts.Add(time.Hour)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           id,
			"threadId":     "t-" + id,
			"internalDate": strconv.FormatInt(ts.UnixMilli(), 10),
			"payload": map[string]any{
				"mimeType": "text/plain",
				"headers":  []map[string]string{{"name": "Subject", "value": "subject " + id}},
				"body":     map[string]string{"data": b64("body " + id)},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	emails, err := NewService(api).Search(context.Background(), "from:alice", 5)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "new", emails[0].ID)
	assert.Equal(t, "body new", emails[0].Body)
}

func connectedPair(t *testing.T, provider inbox.Provider) *MCPClient {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err := NewMCPServer(provider).Connect(ctx, serverTransport)
	require.NoError(t, err)

	c := NewMCPClient()
	require.NoError(t, c.ConnectTransport(ctx, clientTransport))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestMCPRoundTrip(t *testing.T) {
	ctx := context.Background()
	sandbox := inbox.NewSandbox(
		inbox.Email{ID: "m1", ThreadID: "t1", From: "alice@example.com", Subject: "Report", Timestamp: time.Now().Add(-time.Hour)},
		inbox.Email{ID: "m2", ThreadID: "t2", From: "alice@example.com", Subject: "Update", Timestamp: time.Now()},
	)
	c := connectedPair(t, sandbox)

	emails, err := c.Search(ctx, "from:alice", 10)
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Equal(t, "m2", emails[0].ID)

	draftID, err := c.CreateDraft(ctx, "bob@example.com", "Hi", "hello")
	require.NoError(t, err)
	_, err = c.ExecuteDraft(ctx, draftID)
	require.NoError(t, err)

	_, err = c.Forward(ctx, "m1", "carol@example.com", "fyi")
	require.NoError(t, err)
	_, err = c.Reply(ctx, "t2", "thanks")
	require.NoError(t, err)
	assert.Len(t, sandbox.Sent(), 3)

	sandbox.FailOn("search", errors.New("quota exceeded"))
	_, err = c.Search(ctx, "x", 1)
	require.ErrorContains(t, err, "quota exceeded")
}

func TestMCPClient_NotConnected(t *testing.T) {
	_, err := NewMCPClient().Search(context.Background(), "x", 1)
	require.ErrorIs(t, err, inbox.ErrNotConnected)
}
