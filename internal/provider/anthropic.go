package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hivebase/hive/internal/config"
)

const maxLoopIterations = 50

// Anthropic runs agents against the Anthropic Messages API with a
// local tool loop.
type Anthropic struct {
	client       anthropic.Client
	model        string
	summaryModel string
	maxTokens    int
	tracker      *TokenTracker
	sandbox      CommandRunner
}

func NewAnthropic(cfg config.ProviderConfig) (*Anthropic, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic api key is not configured")
	}

	return &Anthropic{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:        cfg.Model,
		summaryModel: cfg.SummaryModel,
		maxTokens:    cfg.MaxTokens,
		tracker:      &TokenTracker{},
	}, nil
}

// Tracker exposes cumulative token usage across all invocations.
func (a *Anthropic) Tracker() *TokenTracker { return a.tracker }

// SetSandbox installs the container runner used for requests that name
// a sandbox image. Without one, sandboxed command execution fails.
func (a *Anthropic) SetSandbox(r CommandRunner) { a.sandbox = r }

func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	executor := newToolExecutor(req.WorkingDir, req.Sandbox, a.sandbox)
	tools := toolDefinitions(req.AllowedTools)

	result := &Result{}
	emit := func(b Block) {
		result.Blocks = append(result.Blocks, b)
		if req.OnBlock != nil {
			req.OnBlock(b)
		}
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	for i := 0; i < maxLoopIterations; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			System: []anthropic.TextBlockParam{
				{Text: req.System},
			},
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return result, fmt.Errorf("messages api: %w", err)
		}

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens
		a.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var textOutput string

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				textOutput += variant.Text
				emit(Block{Type: "text", Content: variant.Text, OK: true})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ThinkingBlock:
				emit(Block{Type: "thinking", Content: variant.Thinking, OK: true})

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				emit(Block{Type: "tool_use", Name: variant.Name, Content: string(variant.Input), OK: true})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := executor.execute(ctx, variant.Name, variant.Input)
				emit(Block{Type: "tool_result", Name: variant.Name, Content: toolResult.Content, OK: !toolResult.IsError})
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			result.Output = textOutput
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		if len(toolResultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
		}
	}

	return result, fmt.Errorf("agent loop exceeded %d iterations", maxLoopIterations)
}

func (a *Anthropic) Summarize(ctx context.Context, text string) (string, error) {
	model := a.summaryModel
	if model == "" {
		model = a.model
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: "Summarize the following agent output in a few sentences. Keep concrete findings, decisions and artifact names."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	a.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var out string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += variant.Text
		}
	}
	if out == "" {
		slog.Warn("summarize returned no text blocks")
	}
	return out, nil
}

// TokenTracker accumulates token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	tokensIn  int64
	tokensOut int64
	calls     int
}

func (t *TokenTracker) Add(in, out int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokensIn += in
	t.tokensOut += out
	t.calls++
}

func (t *TokenTracker) Total() (in, out int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensIn, t.tokensOut
}

func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
