// Package provider abstracts the model backend that executes agent
// prompts. The orchestration engine only sees this interface; the
// Anthropic implementation lives alongside it.
package provider

import (
	"context"
	"time"
)

// Block is one ordered piece of an execution transcript.
type Block struct {
	Type    string // "text", "thinking", "tool_use", "tool_result"
	Name    string // tool name for tool blocks
	Content string
	OK      bool
}

// Request describes one agent execution.
type Request struct {
	System       string
	Prompt       string
	WorkingDir   string
	Model        string
	AllowedTools []string // empty means all tools
	MaxTokens    int

	// Sandbox names the container image shell commands run in. Empty
	// means commands execute on the host.
	Sandbox string

	// OnBlock, when set, receives transcript blocks as they are
	// produced, in order. Called from the invoking goroutine.
	OnBlock func(Block)
}

// Result is the terminal outcome of an execution.
type Result struct {
	Output    string
	Blocks    []Block
	ToolCalls int
	TokensIn  int64
	TokensOut int64
}

// CommandRunner executes shell commands somewhere other than the
// host, typically inside a container.
type CommandRunner interface {
	Exec(ctx context.Context, workDir, image, command string, timeout time.Duration) (string, error)
}

// Provider executes prompts against a model backend.
type Provider interface {
	// Invoke runs the request to completion, honoring ctx
	// cancellation between model turns and during tool execution.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// Summarize produces a short summary of text, used when a
	// dependent agent asks for a summary that does not exist yet.
	Summarize(ctx context.Context, text string) (string, error)
}
