package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJSONArgs(t *testing.T) {
	args := parseJSONArgs(`{"query":"from:alice","max_results":5}`)
	require.Equal(t, "from:alice", args["query"])
	require.Equal(t, float64(5), args["max_results"])

	require.Empty(t, parseJSONArgs("not json"))
	require.Empty(t, parseJSONArgs("null"))
}

func TestToOpenAIMessages_KeepsToolTraffic(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "latest email"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:       "call_1",
			Function: FunctionCall{Name: "search_inbox", Arguments: map[string]interface{}{"query": "in:inbox"}},
		}}},
		{Role: RoleTool, ToolCallID: "call_1", Content: `{"status":"success"}`},
	}

	out := toOpenAIMessages(msgs)
	require.Len(t, out, 3)
	require.Len(t, out[1].ToolCalls, 1)
	require.Equal(t, "search_inbox", out[1].ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"query":"in:inbox"}`, out[1].ToolCalls[0].Function.Arguments)
	require.Equal(t, "call_1", out[2].ToolCallID)
}

func TestNewFunctionTool(t *testing.T) {
	tool := NewFunctionTool("search_inbox", "Search", map[string]interface{}{
		"query": StringProperty("query"),
	}, "query")
	require.Equal(t, "function", tool.Type)
	require.Equal(t, []string{"query"}, tool.Function.Parameters["required"])

	empty := NewFunctionTool("noop", "no args", map[string]interface{}{})
	require.Equal(t, []string{}, empty.Function.Parameters["required"])
}

func TestFactory_ToolClientNeedsEndpoint(t *testing.T) {
	f := &Factory{Provider: ProviderYandex}
	_, err := f.CreateToolClient("m")
	require.Error(t, err)

	f.OpenaiAPIKey = "k"
	c, err := f.CreateToolClient("m")
	require.NoError(t, err)
	require.NotNil(t, c)

	f.Provider = "unknown"
	_, err = f.CreateClient("m")
	require.Error(t, err)
}
