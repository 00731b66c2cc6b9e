package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const maxToolOutput = 30000

// toolDefinitions returns the tool schemas offered to the model,
// restricted to the allowed set when one is given.
func toolDefinitions(allowed []string) []anthropic.ToolUnionParam {
	all := []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        "read_file",
				Description: anthropic.String("Read a file and return its contents with line numbers."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type":        "string",
							"description": "Path to the file, absolute or relative to the working directory",
						},
					},
					Required: []string{"path"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "write_file",
				Description: anthropic.String("Write content to a file, creating parent directories as needed."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type": "string",
						},
						"content": map[string]interface{}{
							"type": "string",
						},
					},
					Required: []string{"path", "content"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "edit_file",
				Description: anthropic.String("Replace text in a file. The old text must appear exactly once."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type": "string",
						},
						"old": map[string]interface{}{
							"type": "string",
						},
						"new": map[string]interface{}{
							"type": "string",
						},
					},
					Required: []string{"path", "old", "new"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "run_command",
				Description: anthropic.String("Run a shell command in the working directory and return combined output."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"command": map[string]interface{}{
							"type": "string",
						},
						"timeout_seconds": map[string]interface{}{
							"type": "integer",
						},
					},
					Required: []string{"command"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        "list_dir",
				Description: anthropic.String("List the entries of a directory."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"path": map[string]interface{}{
							"type": "string",
						},
					},
					Required: []string{"path"},
				},
			},
		},
	}

	if len(allowed) == 0 {
		return all
	}

	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	var out []anthropic.ToolUnionParam
	for _, t := range all {
		if t.OfTool != nil && set[t.OfTool.Name] {
			out = append(out, t)
		}
	}
	return out
}

type toolExecutor struct {
	workDir      string
	sandboxImage string // empty means host execution
	runner       CommandRunner
}

func newToolExecutor(workDir, sandboxImage string, runner CommandRunner) *toolExecutor {
	return &toolExecutor{workDir: workDir, sandboxImage: sandboxImage, runner: runner}
}

type toolResult struct {
	Content string
	IsError bool
}

func toolError(format string, args ...any) toolResult {
	return toolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

func (e *toolExecutor) execute(ctx context.Context, name string, input json.RawMessage) toolResult {
	switch name {
	case "read_file":
		return e.readFile(input)
	case "write_file":
		return e.writeFile(input)
	case "edit_file":
		return e.editFile(input)
	case "run_command":
		return e.runCommand(ctx, input)
	case "list_dir":
		return e.listDir(input)
	default:
		return toolError("unknown tool: %s", name)
	}
}

func (e *toolExecutor) readFile(input json.RawMessage) toolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	content, err := os.ReadFile(e.resolve(params.Path))
	if err != nil {
		return toolError("read file: %v", err)
	}

	var b strings.Builder
	for i, line := range strings.Split(string(content), "\n") {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, line)
	}
	return toolResult{Content: truncate(b.String())}
}

func (e *toolExecutor) writeFile(input json.RawMessage) toolResult {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path := e.resolve(params.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolError("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return toolError("write file: %v", err)
	}
	return toolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)}
}

func (e *toolExecutor) editFile(input json.RawMessage) toolResult {
	var params struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	path := e.resolve(params.Path)
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError("read file: %v", err)
	}

	text := string(content)
	switch count := strings.Count(text, params.Old); {
	case count == 0:
		return toolError("old text not found in %s", params.Path)
	case count > 1:
		return toolError("old text appears %d times in %s, must be unique", count, params.Path)
	}

	text = strings.Replace(text, params.Old, params.New, 1)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return toolError("write file: %v", err)
	}
	return toolResult{Content: "edit applied"}
}

func (e *toolExecutor) runCommand(ctx context.Context, input json.RawMessage) toolResult {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	timeout := 2 * time.Minute
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	if e.sandboxImage != "" {
		if e.runner == nil {
			return toolError("agent requires sandbox image %s but no container runtime is available", e.sandboxImage)
		}
		output, err := e.runner.Exec(ctx, e.workDir, e.sandboxImage, params.Command, timeout)
		if err != nil {
			return toolError("%s\nerror: %v", output, err)
		}
		return toolResult{Content: truncate(output)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Command)
	cmd.Dir = e.workDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolError("command timed out after %v:\n%s", timeout, output)
		}
		return toolError("%s\nerror: %v", output, err)
	}
	return toolResult{Content: truncate(string(output))}
}

func (e *toolExecutor) listDir(input json.RawMessage) toolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError("invalid parameters: %v", err)
	}

	entries, err := os.ReadDir(e.resolve(params.Path))
	if err != nil {
		return toolError("read directory: %v", err)
	}

	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&b, "d %s/\n", entry.Name())
		} else {
			fmt.Fprintf(&b, "- %s\n", entry.Name())
		}
	}
	return toolResult{Content: b.String()}
}

func (e *toolExecutor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workDir, path)
}

func truncate(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (output truncated)"
	}
	return s
}
