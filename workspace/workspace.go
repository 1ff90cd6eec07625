// Package workspace applies planner file actions to the Unity project
// directory. It is the only component that writes to the filesystem;
// the dispatcher invokes it once per job before compilation.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xraph/unitybridge/protocol"
)

// Compile-time interface check.
var _ protocol.FileActionExecutor = (*Executor)(nil)

// File action types understood by the executor.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Executor applies file actions under a single project root. Paths are
// resolved relative to the root; anything escaping it is rejected
// before any write happens.
type Executor struct {
	root   string
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for the executor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor rooted at the given project directory.
func New(root string, opts ...Option) (*Executor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("unitybridge/workspace: resolve root %q: %w", root, err)
	}
	e := &Executor{
		root:   abs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the absolute project root.
func (e *Executor) Root() string { return e.root }

// Apply applies every action in order and reports the files touched.
// The first failing action aborts the batch; earlier writes stay on
// disk, which matches what the editor observes.
func (e *Executor) Apply(ctx context.Context, actions []protocol.FileAction) ([]protocol.FileChange, error) {
	changes := make([]protocol.FileChange, 0, len(actions))
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		target, err := e.resolve(a.Path)
		if err != nil {
			return changes, err
		}

		switch a.Type {
		case ActionCreate, ActionUpdate:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return changes, fmt.Errorf("unitybridge/workspace: %s %s: %w", a.Type, a.Path, err)
			}
			if err := os.WriteFile(target, []byte(a.Content), 0o644); err != nil {
				return changes, fmt.Errorf("unitybridge/workspace: %s %s: %w", a.Type, a.Path, err)
			}
		case ActionDelete:
			// A missing file is fine; the desired end state holds.
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return changes, fmt.Errorf("unitybridge/workspace: delete %s: %w", a.Path, err)
			}
		default:
			return changes, fmt.Errorf("unitybridge/workspace: unknown file action type %q", a.Type)
		}

		e.logger.Debug("applied file action",
			slog.String("type", a.Type),
			slog.String("path", a.Path))
		changes = append(changes, protocol.FileChange{Type: a.Type, Path: a.Path})
	}
	return changes, nil
}

// resolve maps a planner-relative path onto the project root, rejecting
// absolute paths and traversal out of the root.
func (e *Executor) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("unitybridge/workspace: empty file action path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("unitybridge/workspace: absolute path %q not allowed", rel)
	}
	target := filepath.Join(e.root, filepath.FromSlash(rel))
	if target != e.root && !strings.HasPrefix(target, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("unitybridge/workspace: path %q escapes the project root", rel)
	}
	return target, nil
}
