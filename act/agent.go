package act

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// AgentHandler runs agent-assisted actions against Google's Gemini API.
//
// The prompt is assembled from the action config: Params["prompt"] is the
// instruction, Params["contextKeys"] (a list of scope keys) selects which
// runtime values are appended as JSON. The model's text reply lands in the
// output under "agent", so downstream guards can read state.agent.text.
//
// Register it for the agent-assisted action type:
//
//	registry.RegisterType(cpg.ActionAgentAssisted,
//	    act.NewAgentHandler(os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash"))
type AgentHandler struct {
	apiKey    string
	modelName string
	client    agentClient
}

// agentClient is the seam for tests; the default implementation calls the
// Gemini SDK.
type agentClient interface {
	generate(ctx context.Context, prompt string) (string, error)
}

// NewAgentHandler creates a Gemini-backed handler. An empty model name
// selects a current flash model.
func NewAgentHandler(apiKey, modelName string) *AgentHandler {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &AgentHandler{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &geminiClient{apiKey: apiKey, modelName: modelName},
	}
}

// Execute builds the prompt and calls the model. Transport and quota
// errors come back retryable with error type "AgentError" so remediation
// routes can retry or fall back to a human task.
func (a *AgentHandler) Execute(ctx context.Context, req Request) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	prompt, err := a.buildPrompt(req)
	if err != nil {
		return Failure("AgentError", err.Error(), false), nil
	}
	text, err := a.client.generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Failure("AgentError", err.Error(), true), nil
	}
	return Success(map[string]any{
		"agent": map[string]any{
			"text":  text,
			"model": a.modelName,
		},
	}), nil
}

func (a *AgentHandler) buildPrompt(req Request) (string, error) {
	instruction, _ := req.Config.Params["prompt"].(string)
	if instruction == "" {
		return "", fmt.Errorf("agent action %s has no prompt configured", req.NodeID)
	}

	var b strings.Builder
	b.WriteString(instruction)

	keys, _ := req.Config.Params["contextKeys"].([]any)
	if len(keys) > 0 {
		selected := map[string]any{}
		for _, k := range keys {
			name, ok := k.(string)
			if !ok {
				continue
			}
			if v, present := req.Scope[name]; present {
				selected[name] = v
			}
		}
		data, err := json.Marshal(selected)
		if err != nil {
			return "", fmt.Errorf("marshal context for agent: %w", err)
		}
		b.WriteString("\n\nContext:\n")
		b.Write(data)
	}
	return b.String(), nil
}

type geminiClient struct {
	apiKey    string
	modelName string
}

func (c *geminiClient) generate(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("google API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", fmt.Errorf("create gemini client: %w", err)
	}
	defer func() { _ = client.Close() }()

	resp, err := client.GenerativeModel(c.modelName).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}
	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	return out.String(), nil
}

var _ Handler = (*AgentHandler)(nil)
