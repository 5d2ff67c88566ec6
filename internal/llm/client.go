package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role    string
	Content string
	// ToolCalls is set on assistant messages that requested tool execution.
	ToolCalls []ToolCall
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ToolCalls        []ToolCall
	FinishReason     string
}

// Client produces plain completions.
type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}

// ToolClient additionally accepts a tool schema and may answer with tool calls.
type ToolClient interface {
	Client
	GenerateWithTools(ctx context.Context, messages []Message, tools []Tool) (Response, error)
}

type Tool struct {
	Type     string
	Function Function
}

type Function struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

type FunctionCall struct {
	Name      string
	Arguments map[string]interface{}
}

// NewFunctionTool builds a function tool with an object parameter schema.
func NewFunctionTool(name, description string, properties map[string]interface{}, required ...string) Tool {
	if required == nil {
		required = []string{}
	}
	return Tool{
		Type: "function",
		Function: Function{
			Name:        name,
			Description: description,
			Parameters: map[string]interface{}{
				"type":                 "object",
				"properties":           properties,
				"required":             required,
				"additionalProperties": false,
			},
		},
	}
}

// StringProperty is a shorthand for a string-typed schema property.
func StringProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// IntegerProperty is a shorthand for an integer-typed schema property.
func IntegerProperty(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}
