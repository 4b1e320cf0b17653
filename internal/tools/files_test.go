package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures staged artifacts.
type recordingSink struct {
	staged []struct{ kind, path, content, language string }
}

func (s *recordingSink) StageArtifact(_ context.Context, kind, path, content, language string) (string, error) {
	s.staged = append(s.staged, struct{ kind, path, content, language string }{kind, path, content, language})
	return "artifact-1", nil
}

func TestWriteFileStagesArtifact(t *testing.T) {
	sink := &recordingSink{}
	ctx := WithArtifactSink(context.Background(), sink)

	tool := &WriteFileTool{}
	out, err := tool.Execute(ctx, json.RawMessage(`{"path":"hello.txt","content":"hi"}`))
	require.NoError(t, err)

	var result struct {
		Staged     bool   `json:"staged"`
		ArtifactID string `json:"artifact_id"`
		Path       string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Staged)
	assert.Equal(t, "artifact-1", result.ArtifactID)

	require.Len(t, sink.staged, 1)
	assert.Equal(t, "file", sink.staged[0].kind)
	assert.Equal(t, "hello.txt", sink.staged[0].path)
	assert.Equal(t, "hi", sink.staged[0].content)
}

func TestWriteFileWithoutSinkFails(t *testing.T) {
	tool := &WriteFileTool{}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a","content":"b"}`))
	require.Error(t, err)
}

func TestWriteFileDetectsLanguage(t *testing.T) {
	sink := &recordingSink{}
	ctx := WithArtifactSink(context.Background(), sink)

	tool := &WriteFileTool{}
	_, err := tool.Execute(ctx, json.RawMessage(`{"path":"main.go","content":"package main"}`))
	require.NoError(t, err)
	assert.Equal(t, "go", sink.staged[0].language)
}

func TestReadFileWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("content"), 0o644))

	tool := &ReadFileTool{Root: root}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"f.txt"}`))
	require.NoError(t, err)

	var result struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "content", result.Content)
	assert.False(t, result.Truncated)
}

func TestReadFileRejectsEscape(t *testing.T) {
	tool := &ReadFileTool{Root: t.TempDir()}
	_, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"../../etc/passwd"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes workspace")
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	tool := &ListDirTool{Root: root}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	var result struct {
		Entries []struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Len(t, result.Entries, 2)
}

func TestSearchCodebase(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("// TODO: fix this\npackage a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n"), 0o644))

	tool := &SearchCodebaseTool{Root: root}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"pattern":"TODO"}`))
	require.NoError(t, err)

	var result struct {
		Matches []searchMatch `json:"matches"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, 1, result.Count)
	assert.Equal(t, "a.go", result.Matches[0].Path)
	assert.Equal(t, 1, result.Matches[0].Line)
}

func TestSearchCodebaseGlobAndCap(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("x\nx\nx\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x\n"), 0o644))

	tool := &SearchCodebaseTool{Root: root}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"pattern":"x","glob":"*.go","max_results":2}`))
	require.NoError(t, err)

	var result struct {
		Matches []searchMatch `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Matches, 2)
	for _, match := range result.Matches {
		assert.Equal(t, "a.go", match.Path)
	}
}

func TestTaskTools(t *testing.T) {
	list := NewTaskList()
	add := &AddTaskTool{List: list}
	complete := &CompleteTaskTool{List: list}
	show := &ListTasksTool{List: list}

	out, err := add.Execute(context.Background(), json.RawMessage(`{"text":"write tests"}`))
	require.NoError(t, err)
	var task Task
	require.NoError(t, json.Unmarshal(out, &task))
	assert.Equal(t, 1, task.ID)
	assert.Equal(t, "open", task.Status)

	_, err = complete.Execute(context.Background(), json.RawMessage(`{"id":1}`))
	require.NoError(t, err)

	out, err = show.Execute(context.Background(), nil)
	require.NoError(t, err)
	var board struct {
		Tasks []Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(out, &board))
	require.Len(t, board.Tasks, 1)
	assert.Equal(t, "done", board.Tasks[0].Status)
}
