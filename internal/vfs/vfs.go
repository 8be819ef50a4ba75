// Package vfs implements the per-user rooted virtual filesystem over the
// host FS, with a metadata index in the state store and change events on
// the bus.
package vfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Entry is one directory listing row.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"` // file, dir
	Size       int64     `json:"size"`
	Hidden     bool      `json:"hidden"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileSystem is the kernel VFS. Every user sees a subtree of the host FS
// rooted at <root>/<uid>; the reserved shared prefix is visible to all.
type FileSystem struct {
	root      string
	sharedDir string
	store     *store.Store
	bus       *events.Bus
	logger    *logger.Logger
}

// New creates the filesystem and ensures the root and shared directories
// exist.
func New(cfg config.FSConfig, s *store.Store, bus *events.Bus, log *logger.Logger) (*FileSystem, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve fs root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, cfg.SharedDir), 0o755); err != nil {
		return nil, fmt.Errorf("create fs root: %w", err)
	}
	return &FileSystem{
		root:      root,
		sharedDir: cfg.SharedDir,
		store:     s,
		bus:       bus,
		logger:    log.WithComponent("vfs"),
	}, nil
}

// Root returns the host directory backing the VFS.
func (f *FileSystem) Root() string { return f.root }

// UserRoot returns (and creates) the host directory backing a user's subtree.
func (f *FileSystem) UserRoot(uid string) (string, error) {
	dir := filepath.Join(f.root, uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create user root: %w", err)
	}
	return dir, nil
}

// resolve maps a user-visible path onto the host FS, rejecting anything
// escaping the allowed subtree. Paths under the shared prefix resolve into
// the shared directory; everything else stays under the user's root.
func (f *FileSystem) resolve(uid, path string) (hostPath, metaPath string, err error) {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return "", "", errs.InvalidArgument("invalid path: %s", path)
		}
	}
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))

	sharedPrefix := "/" + f.sharedDir
	if clean == sharedPrefix || strings.HasPrefix(clean, sharedPrefix+"/") {
		hostPath = filepath.Join(f.root, clean)
		metaPath = f.sharedDir + strings.TrimPrefix(clean, sharedPrefix)
	} else {
		hostPath = filepath.Join(f.root, uid, clean)
		metaPath = uid + clean
	}

	base := filepath.Join(f.root, uid)
	if strings.HasPrefix(metaPath, f.sharedDir) {
		base = filepath.Join(f.root, f.sharedDir)
	}
	if hostPath != base && !strings.HasPrefix(hostPath, base+string(os.PathSeparator)) {
		return "", "", errs.InvalidArgument("path escapes user root: %s", path)
	}
	return hostPath, metaPath, nil
}

// Read returns a file's contents.
func (f *FileSystem) Read(ctx context.Context, uid, path string) ([]byte, error) {
	hostPath, _, err := f.resolve(uid, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("file not found: %s", path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Write writes a file, creating parent directories, and upserts metadata.
// Zero-length writes are valid.
func (f *FileSystem) Write(ctx context.Context, uid, path string, data []byte) error {
	hostPath, metaPath, err := f.resolve(uid, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return f.indexAndEmit(ctx, uid, path, metaPath, hostPath)
}

// Upload stores an uploaded body at destPath. Identical to Write except for
// the name it appears under in logs.
func (f *FileSystem) Upload(ctx context.Context, uid, destPath string, data []byte) error {
	f.logger.Info("upload", zap.String("uid", uid), zap.String("path", destPath), zap.Int("bytes", len(data)))
	return f.Write(ctx, uid, destPath, data)
}

// List returns the entries of a directory.
func (f *FileSystem) List(ctx context.Context, uid, path string) ([]*Entry, error) {
	hostPath, _, err := f.resolve(uid, path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}

	entries := make([]*Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		entryType := "file"
		if d.IsDir() {
			entryType = "dir"
		}
		entries = append(entries, &Entry{
			Name:       d.Name(),
			Path:       filepath.ToSlash(filepath.Join("/", strings.TrimPrefix(path, "/"), d.Name())),
			Type:       entryType,
			Size:       info.Size(),
			Hidden:     strings.HasPrefix(d.Name(), "."),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return entries, nil
}

// Stat returns one entry for a path.
func (f *FileSystem) Stat(ctx context.Context, uid, path string) (*Entry, error) {
	hostPath, _, err := f.resolve(uid, path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("path not found: %s", path)
		}
		return nil, fmt.Errorf("stat: %w", err)
	}
	entryType := "file"
	if info.IsDir() {
		entryType = "dir"
	}
	return &Entry{
		Name:       info.Name(),
		Path:       path,
		Type:       entryType,
		Size:       info.Size(),
		Hidden:     strings.HasPrefix(info.Name(), "."),
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}

// Mkdir creates a directory (with parents) and indexes it.
func (f *FileSystem) Mkdir(ctx context.Context, uid, path string) error {
	hostPath, metaPath, err := f.resolve(uid, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return f.indexAndEmit(ctx, uid, path, metaPath, hostPath)
}

// Remove deletes a file, or a directory when recursive is set.
func (f *FileSystem) Remove(ctx context.Context, uid, path string, recursive bool) error {
	hostPath, metaPath, err := f.resolve(uid, path)
	if err != nil {
		return err
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("path not found: %s", path)
		}
		return fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() && !recursive {
		return errs.InvalidArgument("path is a directory, pass recursive: %s", path)
	}
	if recursive {
		err = os.RemoveAll(hostPath)
	} else {
		err = os.Remove(hostPath)
	}
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if err := f.store.DeleteFileMeta(ctx, metaPath); err != nil {
		f.logger.Warn("failed to delete file metadata", zap.String("path", metaPath), zap.Error(err))
	}
	f.bus.Emit(v1.EventFSChanged, map[string]any{"path": path, "uid": uid, "op": "remove"})
	return nil
}

// indexAndEmit upserts the metadata row and emits fs.changed. Every
// mutation goes through here so the persisted-write/bus-event pairing holds.
func (f *FileSystem) indexAndEmit(ctx context.Context, uid, path, metaPath, hostPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("stat after write: %w", err)
	}
	entryType := "file"
	if info.IsDir() {
		entryType = "dir"
	}
	meta := &store.FileMeta{
		Path:       metaPath,
		OwnerUID:   uid,
		Type:       entryType,
		Size:       info.Size(),
		Hidden:     strings.HasPrefix(info.Name(), "."),
		ModifiedAt: info.ModTime().UTC(),
	}
	if err := f.store.UpsertFileMeta(ctx, meta); err != nil {
		return fmt.Errorf("index file: %w", err)
	}
	f.bus.Emit(v1.EventFSChanged, map[string]any{"path": path, "uid": uid, "op": "write"})
	return nil
}
