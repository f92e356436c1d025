// Package fileio provides built-in MCP tools for sandboxed file access.
// All paths are resolved relative to a configured workspace root; traversal
// attempts (e.g. "../") are rejected with an error.
//
// Three tools are grouped into one in-process server by [NewServer]:
//   - "read_file"  — read a file and return its text content.
//   - "write_file" — write text content to a file (creates directories as needed).
//   - "list_dir"   — list the entries of a directory.
//
// All handlers are safe for concurrent use.
package fileio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polyvox/polyvox/internal/mcp/tools"
	"github.com/polyvox/polyvox/pkg/types"
)

// ServerName identifies the builtin file server in discovery and logs.
const ServerName = "builtin-fileio"

// maxReadBytes is the maximum file size that read_file will return.
// Files larger than this limit are rejected with an error.
const maxReadBytes = 1 << 20 // 1 MiB

// ─────────────────────────────────────────────────────────────────────────────
// read_file
// ─────────────────────────────────────────────────────────────────────────────

// readFileArgs is the decoded input for the "read_file" tool.
type readFileArgs struct {
	// Path is the file path relative to the workspace root.
	Path string `json:"path"`
}

// readFileResult is the encoded output of the "read_file" tool.
type readFileResult struct {
	// Path is the relative path of the file that was read.
	Path string `json:"path"`

	// Content is the full text content of the file.
	Content string `json:"content"`
}

// ─────────────────────────────────────────────────────────────────────────────
// write_file
// ─────────────────────────────────────────────────────────────────────────────

// writeFileArgs is the decoded input for the "write_file" tool.
type writeFileArgs struct {
	// Path is the file path relative to the workspace root.
	Path string `json:"path"`

	// Content is the text content to write.
	Content string `json:"content"`
}

// writeFileResult is the encoded output of the "write_file" tool.
type writeFileResult struct {
	// Path is the relative path of the written file, echoed back to the caller.
	Path string `json:"path"`

	// BytesWritten is the number of bytes written.
	BytesWritten int `json:"bytes_written"`
}

// ─────────────────────────────────────────────────────────────────────────────
// list_dir
// ─────────────────────────────────────────────────────────────────────────────

// listDirArgs is the decoded input for the "list_dir" tool.
type listDirArgs struct {
	// Path is the directory path relative to the workspace root.
	// Empty lists the root itself.
	Path string `json:"path,omitempty"`
}

// dirEntry is one entry in a list_dir result.
type dirEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// listDirResult is the encoded output of the "list_dir" tool.
type listDirResult struct {
	Path    string     `json:"path"`
	Entries []dirEntry `json:"entries"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Path resolution
// ─────────────────────────────────────────────────────────────────────────────

// safePath resolves relPath against root and verifies that the resolved
// absolute path remains inside root.
//
// Returns the resolved absolute path on success, or an error if the path
// escapes the workspace or is otherwise invalid.
func safePath(root, relPath string) (string, error) {
	// filepath.Join cleans the path, resolving ".." components.
	joined := filepath.Join(root, relPath)
	cleanRoot := filepath.Clean(root)
	if !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) && joined != cleanRoot {
		return "", fmt.Errorf("fileio: path %q escapes the workspace", relPath)
	}
	return joined, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Handler constructors
// ─────────────────────────────────────────────────────────────────────────────

// makeReadFileHandler returns a handler for the "read_file" tool bound to the
// given workspace root.
func makeReadFileHandler(root string) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, _ map[string]any) (string, error) {
		var a readFileArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("fileio: read_file: %w", err)
		}
		if a.Path == "" {
			return "", fmt.Errorf("fileio: read_file: path must not be empty")
		}

		absPath, err := safePath(root, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fileio: read_file: %w", ctx.Err())
		default:
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: %w", err)
		}
		if info.Size() > maxReadBytes {
			return "", fmt.Errorf("fileio: read_file: file %q is too large (%d bytes, max %d)",
				a.Path, info.Size(), maxReadBytes)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: failed to read file: %w", err)
		}

		res, err := json.Marshal(readFileResult{
			Path:    a.Path,
			Content: string(data),
		})
		if err != nil {
			return "", fmt.Errorf("fileio: read_file: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeWriteFileHandler returns a handler for the "write_file" tool bound to
// the given workspace root.
func makeWriteFileHandler(root string) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, _ map[string]any) (string, error) {
		var a writeFileArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("fileio: write_file: %w", err)
		}
		if a.Path == "" {
			return "", fmt.Errorf("fileio: write_file: path must not be empty")
		}

		absPath, err := safePath(root, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fileio: write_file: %w", ctx.Err())
		default:
		}

		// Create parent directories as needed.
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return "", fmt.Errorf("fileio: write_file: failed to create directories: %w", err)
		}

		if err := os.WriteFile(absPath, []byte(a.Content), 0o644); err != nil {
			return "", fmt.Errorf("fileio: write_file: failed to write file: %w", err)
		}

		res, err := json.Marshal(writeFileResult{
			Path:         a.Path,
			BytesWritten: len(a.Content),
		})
		if err != nil {
			return "", fmt.Errorf("fileio: write_file: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeListDirHandler returns a handler for the "list_dir" tool bound to the
// given workspace root.
func makeListDirHandler(root string) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, _ map[string]any) (string, error) {
		var a listDirArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("fileio: list_dir: %w", err)
		}

		absPath, err := safePath(root, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fileio: list_dir: %w", ctx.Err())
		default:
		}

		entries, err := os.ReadDir(absPath)
		if err != nil {
			return "", fmt.Errorf("fileio: list_dir: %w", err)
		}

		out := listDirResult{Path: a.Path, Entries: make([]dirEntry, 0, len(entries))}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				return "", fmt.Errorf("fileio: list_dir: %w", err)
			}
			out.Entries = append(out.Entries, dirEntry{
				Name:  e.Name(),
				Size:  info.Size(),
				IsDir: e.IsDir(),
			})
		}

		res, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("fileio: list_dir: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewServer
// ─────────────────────────────────────────────────────────────────────────────

// NewServer constructs the builtin file server sandboxed to root.
//
// root must be an absolute path to an existing directory. All file operations
// are restricted to this directory tree; traversal attempts are rejected with
// a descriptive error.
func NewServer(root string) *tools.Server {
	return tools.NewServer(ServerName,
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "read_file",
				Description: "Read the text content of a file from the session workspace. Returns the full file content. Files larger than 1 MiB are rejected.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative file path within the workspace (e.g. notes/review.md). Must not contain '..' path components.",
						},
					},
					"required": []string{"path"},
				},
				Capability: "file_read",
				Idempotent: true,
			},
			Handler: makeReadFileHandler(root),
		},
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "write_file",
				Description: "Write text content to a file within the session workspace. Creates any missing parent directories automatically. Use this to save notes, drafts, or generated text.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative file path within the workspace (e.g. notes/review.md). Must not contain '..' path components.",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "Text content to write to the file.",
						},
					},
					"required": []string{"path", "content"},
				},
				Capability: "file_write",
				Idempotent: true,
			},
			Handler: makeWriteFileHandler(root),
		},
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "list_dir",
				Description: "List the entries of a directory within the session workspace. Returns each entry's name, size, and whether it is a directory.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative directory path within the workspace. Omit to list the workspace root.",
						},
					},
					"required": []string{},
				},
				Capability: "file_list",
				Idempotent: true,
			},
			Handler: makeListDirHandler(root),
		},
	)
}
