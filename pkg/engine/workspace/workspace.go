// Package workspace provides isolated working directories for agents. Each
// agent runs in its own copy of the job's primary workspace; successful
// results are merged back, failures are discarded with the workspace.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "workspace"

// Handle identifies one allocated workspace.
type Handle struct {
	// Name is the caller-chosen workspace name, unique per job.
	Name string `json:"name"`
	// Path is the workspace's root directory.
	Path string `json:"path"`
}

// Provider allocates, merges and destroys isolated workspaces.
type Provider interface {
	// Create allocates a fresh workspace seeded with a copy of base. An
	// empty base yields an empty workspace.
	Create(ctx context.Context, base, name string) (*Handle, error)
	// Ensure returns the named workspace, creating it like Create when it
	// does not exist yet. An existing workspace is returned as-is, so a
	// resumed job keeps the results merged before the interruption.
	Ensure(ctx context.Context, base, name string) (*Handle, error)
	// Merge copies the workspace's contents into target, overwriting
	// files that exist in both.
	Merge(ctx context.Context, handle *Handle, target string) error
	// Destroy removes the workspace. Destroying an already-destroyed
	// workspace is not an error.
	Destroy(ctx context.Context, handle *Handle) error
}

type localProvider struct {
	// root is the directory under which workspaces are allocated.
	root string
}

var _ Provider = (*localProvider)(nil)

// NewLocalProvider creates a copy-based provider allocating workspaces
// under the given root directory.
func NewLocalProvider(root string) (Provider, error) {
	if root == "" {
		return nil, exception.NewValidationError(moduleName, "workspace root directory is required", nil)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to create workspace root '%s'", root), err)
	}
	return &localProvider{root: root}, nil
}

func (p *localProvider) Create(ctx context.Context, base, name string) (*Handle, error) {
	if name == "" {
		return nil, exception.NewValidationError(moduleName, "workspace name is required", nil)
	}
	path := filepath.Join(p.root, name)
	if _, err := os.Stat(path); err == nil {
		return nil, exception.NewWorkspaceError(moduleName, fmt.Sprintf("workspace '%s' already exists", name), nil)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to create workspace '%s'", name), err)
	}
	if base != "" {
		if err := copyTree(ctx, base, path); err != nil {
			_ = os.RemoveAll(path)
			return nil, exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to seed workspace '%s' from '%s'", name, base), err)
		}
	}
	logger.Debugf("Created workspace '%s' at %s", name, path)
	return &Handle{Name: name, Path: path}, nil
}

func (p *localProvider) Ensure(ctx context.Context, base, name string) (*Handle, error) {
	if name == "" {
		return nil, exception.NewValidationError(moduleName, "workspace name is required", nil)
	}
	path := filepath.Join(p.root, name)
	if _, err := os.Stat(path); err == nil {
		return &Handle{Name: name, Path: path}, nil
	}
	return p.Create(ctx, base, name)
}

func (p *localProvider) Merge(ctx context.Context, handle *Handle, target string) error {
	if handle == nil {
		return exception.NewValidationError(moduleName, "workspace handle is nil", nil)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to create merge target '%s'", target), err)
	}
	if err := copyTree(ctx, handle.Path, target); err != nil {
		return exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to merge workspace '%s' into '%s'", handle.Name, target), err)
	}
	logger.Debugf("Merged workspace '%s' into %s", handle.Name, target)
	return nil
}

func (p *localProvider) Destroy(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := os.RemoveAll(handle.Path); err != nil {
		return exception.NewWorkspaceError(moduleName, fmt.Sprintf("failed to destroy workspace '%s'", handle.Name), err)
	}
	logger.Debugf("Destroyed workspace '%s'", handle.Name)
	return nil
}

// copyTree copies the contents of src into dst, honoring cancellation
// between files.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dest := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, dest, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
