package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileTool stages file content as an artifact instead of writing the
// workspace directly. Replaying the same call stages an identical artifact,
// so reconnect replays are harmless.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Stage a file write. The content is recorded as an artifact the user can review and apply; the workspace is not modified."
}
func (t *WriteFileTool) Capability() Capability { return CapFileOps }

func (t *WriteFileTool) Schema() json.RawMessage {
	return StrictObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Workspace-relative file path",
		},
		"content": map[string]any{
			"type":        "string",
			"description": "Full file content",
		},
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, errors.New("path is required")
	}

	sink, ok := ArtifactSinkFromContext(ctx)
	if !ok {
		return nil, errors.New("no artifact sink for this operation")
	}
	artifactID, err := sink.StageArtifact(ctx, "file", params.Path, params.Content, languageFromPath(params.Path))
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{
		"staged":      true,
		"artifact_id": artifactID,
		"path":        params.Path,
		"bytes":       len(params.Content),
	})
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	Root string
}

func (t *ReadFileTool) Name() string           { return "read_file" }
func (t *ReadFileTool) Description() string    { return "Read a file from the workspace." }
func (t *ReadFileTool) Capability() Capability { return CapFileOps }

func (t *ReadFileTool) Schema() json.RawMessage {
	return StrictObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Workspace-relative file path",
		},
	})
}

const maxReadBytes = 256 * 1024

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}

	full, err := resolveInRoot(t.Root, params.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return json.Marshal(map[string]any{
		"path":      params.Path,
		"content":   string(data),
		"truncated": truncated,
	})
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	Root string
}

func (t *ListDirTool) Name() string           { return "list_dir" }
func (t *ListDirTool) Description() string    { return "List entries of a workspace directory." }
func (t *ListDirTool) Capability() Capability { return CapFileOps }

func (t *ListDirTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Workspace-relative directory, defaults to the root",
		},
	}, nil)
}

func (t *ListDirTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		params.Path = "."
	}

	full, err := resolveInRoot(t.Root, params.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return json.Marshal(map[string]any{"path": params.Path, "entries": out})
}

// resolveInRoot joins path under root and rejects escapes.
func resolveInRoot(root, path string) (string, error) {
	if root == "" {
		root = "."
	}
	cleaned := filepath.Clean(filepath.Join(root, path))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

func languageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".js", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".sh":
		return "shell"
	case ".sql":
		return "sql"
	}
	return ""
}
