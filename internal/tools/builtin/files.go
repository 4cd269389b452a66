package builtin

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/claw/internal/tools"
	"github.com/haasonsaas/claw/internal/tools/policy"
)

const defaultMaxReadBytes = 200_000

// ReadFileTool reads workspace files with a byte limit.
type ReadFileTool struct {
	sandbox  *policy.Sandbox
	maxBytes int
}

// NewReadFileTool creates a reader confined to the sandbox.
func NewReadFileTool(sandbox *policy.Sandbox) *ReadFileTool {
	return &ReadFileTool{sandbox: sandbox, maxBytes: defaultMaxReadBytes}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start from."},
			"max_bytes": {"type": "integer", "minimum": 0, "description": "Maximum bytes to read."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(_ context.Context, params json.RawMessage, _ *tools.Invocation) (*tools.Result, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	resolved, err := t.sandbox.ResolvePath(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}

	f, err := os.Open(resolved)
	if err != nil {
		return tools.Errorf("open file: %v", err), nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return tools.Errorf("stat file: %v", err), nil
	}
	if input.Offset > 0 {
		if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
			return tools.Errorf("seek file: %v", err), nil
		}
	}

	limit := t.maxBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return tools.Errorf("read file: %v", err), nil
	}

	return tools.JSONResult(map[string]any{
		"path":      input.Path,
		"content":   string(buf),
		"offset":    input.Offset,
		"bytes":     len(buf),
		"truncated": input.Offset+int64(len(buf)) < info.Size(),
	}), nil
}

// WriteFileTool writes workspace files, creating parent directories.
type WriteFileTool struct {
	sandbox *policy.Sandbox
}

// NewWriteFileTool creates a writer confined to the sandbox.
func NewWriteFileTool(sandbox *policy.Sandbox) *WriteFileTool {
	return &WriteFileTool{sandbox: sandbox}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a workspace file, creating it if needed. Use append to add to the end."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"content": {"type": "string", "description": "Content to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(_ context.Context, params json.RawMessage, _ *tools.Invocation) (*tools.Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return tools.Errorf("path is required"), nil
	}

	resolved, err := t.sandbox.ResolvePath(input.Path)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.Errorf("create parent dir: %v", err), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if input.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return tools.Errorf("open file: %v", err), nil
	}
	defer f.Close()

	n, err := f.WriteString(input.Content)
	if err != nil {
		return tools.Errorf("write file: %v", err), nil
	}
	return tools.JSONResult(map[string]any{
		"path":  input.Path,
		"bytes": n,
	}), nil
}
