package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

const routerPrompt = `You are a compliance research assistant for testing, inspection and certification (TIC) questions.
Read the whole conversation to infer what the user currently wants, then call exactly one tool or none.

- If the open request is for a list of certifications, approvals or permits, call Provide_a_List.
- For every other question call Search_the_Internet.
- Only answer directly, without a tool, for greetings or questions about yourself.

Always pass the research question to the tool in English.`

var queryParameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The research question, restated in English with every relevant detail"}},"required":["query"],"additionalProperties":false}`)

var routerTools = []tool{
	{Type: "function", Function: toolFunction{
		Name:        string(workflow.TypeProvideList),
		Description: "Research the complete list of certifications, approvals or permits a product needs for a market.",
		Parameters:  queryParameters,
	}},
	{Type: "function", Function: toolFunction{
		Name:        string(workflow.TypeSearchInternet),
		Description: "Search the web to answer a question with current, cited information.",
		Parameters:  queryParameters,
	}},
}

// Router classifies a question by letting the model pick a tool.
type Router struct {
	client *Client
	model  string
	logger *zap.Logger
}

// NewRouter creates a router using the client's router model.
func NewRouter(client *Client) *Router {
	model := client.cfg.RouterModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Router{client: client, model: model, logger: client.logger}
}

// Route implements workflow.Router. A tool call selects the workflow named by
// the tool; plain content is a direct answer.
func (r *Router) Route(ctx context.Context, question string, history []workflow.Message) (workflow.RouteDecision, error) {
	msgs := make([]message, 0, len(history)+2)
	msgs = append(msgs, message{Role: "system", Content: routerPrompt})
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, message{Role: "user", Content: question})

	msg, err := r.client.complete(ctx, "router", chatRequest{
		Model:      r.model,
		Messages:   msgs,
		Tools:      routerTools,
		ToolChoice: "auto",
	})
	if err != nil {
		return workflow.RouteDecision{}, err
	}

	if len(msg.ToolCalls) == 0 {
		if strings.TrimSpace(msg.Content) == "" {
			return workflow.RouteDecision{}, fmt.Errorf("%w: neither tool call nor content", ErrMalformedResponse)
		}
		return workflow.RouteDecision{
			Type:         workflow.TypeDirectResponse,
			DirectAnswer: msg.Content,
			Reason:       "answered without a tool",
		}, nil
	}

	call := msg.ToolCalls[0]
	var args struct {
		Query string `json:"query"`
	}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			r.logger.Warn("Router tool arguments not JSON", zap.String("tool", call.Function.Name), zap.Error(err))
		}
	}
	// Unknown tool names pass through; the orchestrator rejects them.
	return workflow.RouteDecision{
		Type:   workflow.WorkflowType(call.Function.Name),
		Query:  args.Query,
		Reason: "tool " + call.Function.Name,
	}, nil
}
