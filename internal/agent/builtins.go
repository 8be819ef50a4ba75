package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/internal/process"
	"github.com/aether-os/aether/internal/store"
	"github.com/aether-os/aether/internal/tools"
	"github.com/aether-os/aether/internal/vfs"
)

// Builtins serves the kernel's built-in tool set.
type Builtins struct {
	fs    *vfs.FileSystem
	procs *process.Manager
	store *store.Store
}

// NewBuiltins creates the built-in tool provider.
func NewBuiltins(fs *vfs.FileSystem, procs *process.Manager, s *store.Store) *Builtins {
	return &Builtins{fs: fs, procs: procs, store: s}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// Tools returns the built-in tool list.
func (b *Builtins) Tools() []*tools.Tool {
	pathSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}

	return []*tools.Tool{
		{
			Name:        "fs_read",
			Description: "Read a file from the virtual filesystem",
			InputSchema: pathSchema,
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				data, err := b.fs.Read(ctx, ec.UID, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
		{
			Name:        "fs_write",
			Description: "Write a file in the virtual filesystem",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if err := b.fs.Write(ctx, ec.UID, path, []byte(stringArg(args, "content"))); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %s", path), nil
			},
		},
		{
			Name:        "fs_ls",
			Description: "List a directory in the virtual filesystem",
			InputSchema: pathSchema,
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				entries, err := b.fs.List(ctx, ec.UID, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				out, err := json.Marshal(entries)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			Name:        "fs_mkdir",
			Description: "Create a directory in the virtual filesystem",
			InputSchema: pathSchema,
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				if err := b.fs.Mkdir(ctx, ec.UID, path); err != nil {
					return "", err
				}
				return fmt.Sprintf("created %s", path), nil
			},
		},
		{
			Name:        "fs_rm",
			Description: "Remove a file or directory in the virtual filesystem",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":      map[string]any{"type": "string"},
					"recursive": map[string]any{"type": "boolean"},
				},
				"required": []string{"path"},
			},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				path := stringArg(args, "path")
				recursive, _ := args["recursive"].(bool)
				if err := b.fs.Remove(ctx, ec.UID, path, recursive); err != nil {
					return "", err
				}
				return fmt.Sprintf("removed %s", path), nil
			},
		},
		{
			Name:        "spawn_child",
			Description: "Spawn a child agent process",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role": map[string]any{"type": "string"},
					"goal": map[string]any{"type": "string"},
				},
				"required": []string{"role", "goal"},
			},
			ApprovalRequired: true,
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				rec, err := b.procs.Spawn(ctx, process.SpawnConfig{
					Role:      stringArg(args, "role"),
					Goal:      stringArg(args, "goal"),
					CWD:       ec.CWD,
					Agentized: true,
				}, ec.PID, ec.UID, ec.UID)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("spawned child pid %d", rec.PID), nil
			},
		},
		{
			Name:        "send_message",
			Description: "Send an IPC message to another process",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to_pid":  map[string]any{"type": "integer"},
					"channel": map[string]any{"type": "string"},
					"payload": map[string]any{"type": "object"},
				},
				"required": []string{"to_pid", "channel"},
			},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				toPID, ok := args["to_pid"].(float64)
				if !ok {
					return "", fmt.Errorf("to_pid must be a number")
				}
				msg := b.procs.SendMessage(ctx, ec.PID, int64(toPID), stringArg(args, "channel"), args["payload"])
				if msg == nil {
					return "target process not found", nil
				}
				return fmt.Sprintf("delivered %s", msg.ID), nil
			},
		},
		{
			Name:        "read_messages",
			Description: "Drain this process's IPC mailbox",
			InputSchema: map[string]any{"type": "object"},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				msgs := b.procs.DrainMessages(ec.PID)
				out, err := json.Marshal(msgs)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			Name:        "memory_store",
			Description: "Persist a memory record in the agent's layered memory",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"layer":      map[string]any{"type": "string", "enum": []string{"episodic", "semantic", "procedural"}},
					"content":    map[string]any{"type": "string"},
					"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"importance": map[string]any{"type": "number"},
				},
				"required": []string{"layer", "content"},
			},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				layer := stringArg(args, "layer")
				switch layer {
				case "episodic", "semantic", "procedural":
				default:
					return "", fmt.Errorf("unknown memory layer: %s", layer)
				}
				importance := 0.5
				if v, ok := args["importance"].(float64); ok {
					importance = v
				}
				var tags []string
				if raw, ok := args["tags"].([]any); ok {
					for _, t := range raw {
						if s, ok := t.(string); ok {
							tags = append(tags, s)
						}
					}
				}
				rec := &store.MemoryRecord{
					ID:         uuid.New().String(),
					AgentUID:   ec.UID,
					Layer:      layer,
					Content:    stringArg(args, "content"),
					Tags:       tags,
					Importance: importance,
					SourcePID:  ec.PID,
				}
				if err := b.store.InsertMemoryRecord(ctx, rec); err != nil {
					return "", err
				}
				return "stored " + rec.ID, nil
			},
		},
		{
			Name:        "memory_recall",
			Description: "Recall memory records by layer, importance-ordered",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"layer": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
			},
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				limit := 0
				if v, ok := args["limit"].(float64); ok {
					limit = int(v)
				}
				records, err := b.store.QueryMemoryRecords(ctx, ec.UID, stringArg(args, "layer"), limit)
				if err != nil {
					return "", err
				}
				out, err := json.Marshal(records)
				if err != nil {
					return "", err
				}
				return string(out), nil
			},
		},
		{
			Name:        "http_fetch",
			Description: "Fetch a URL and return the response body",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []string{"url"},
			},
			ApprovalRequired: true,
			Execute: func(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
				url := stringArg(args, "url")
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					return "", fmt.Errorf("unsupported url: %s", url)
				}
				reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
				if err != nil {
					return "", err
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return "", fmt.Errorf("network error: %w", err)
				}
				defer func() { _ = resp.Body.Close() }()
				body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				if err != nil {
					return "", err
				}
				return string(body), nil
			},
		},
	}
}
