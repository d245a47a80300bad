package backend

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"golang.org/x/sys/unix"
)

func init() {
	Register(ProtocolLocal, func(cfg map[string]interface{}) (Adapter, error) {
		var c LocalConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad local config: %v", err)
		}
		return &localAdapter{readOnly: c.ReadOnly}, nil
	})
}

// LocalConfig configures a locally mounted filesystem space.
type LocalConfig struct {
	// ReadOnly refuses MoveFromStorageService and DeletePath.
	ReadOnly bool `mapstructure:"read_only"`
}

// localAdapter serves spaces on a filesystem mounted on the storage service
// host. It is also the building block for the NFS and GPG adapters.
type localAdapter struct {
	readOnly bool
}

func (a *localAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 1, func() error {
		return copyPath(ctx, src, dst)
	})
}

func (a *localAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	if a.readOnly {
		return common.NewErrorf(common.ErrPermissionDenied, "space is read-only: %s", dst)
	}
	// Stage next to the final path, then rename. Readers browsing the
	// destination never see a partial object.
	incomplete := strings.TrimSuffix(dst, string(os.PathSeparator)) + ".incomplete"
	if err := copyPath(ctx, src, incomplete); err != nil {
		os.RemoveAll(incomplete)
		return err
	}
	if err := os.RemoveAll(strings.TrimSuffix(dst, string(os.PathSeparator))); err != nil {
		os.RemoveAll(incomplete)
		return mapFSError(dst, err)
	}
	if err := os.Rename(incomplete, strings.TrimSuffix(dst, string(os.PathSeparator))); err != nil {
		os.RemoveAll(incomplete)
		return mapFSError(dst, err)
	}
	return nil
}

func (a *localAdapter) DeletePath(ctx context.Context, path string) error {
	if a.readOnly {
		return common.NewErrorf(common.ErrPermissionDenied, "space is read-only: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return mapFSError(path, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return mapFSError(path, err)
	}
	return nil
}

func (a *localAdapter) Browse(ctx context.Context, path string) (*Listing, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, mapFSError(path, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := Entry{Name: de.Name(), Directory: de.IsDir(), Modified: info.ModTime()}
		if !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	return NewListing(entries), nil
}

// Move renames within the filesystem. Crossing devices falls back to the
// staged-copy path via ErrMoveUnsupported.
func (a *localAdapter) Move(ctx context.Context, src, dst string) error {
	if a.readOnly {
		return common.NewErrorf(common.ErrPermissionDenied, "space is read-only: %s", dst)
	}
	src = strings.TrimSuffix(src, string(os.PathSeparator))
	dst = strings.TrimSuffix(dst, string(os.PathSeparator))
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return mapFSError(dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, unix.EXDEV) {
			return ErrMoveUnsupported
		}
		return mapFSError(src, err)
	}
	return nil
}

func (a *localAdapter) Usage(path string) (used, total int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, mapFSError(path, err)
	}
	total = int64(st.Blocks) * st.Bsize
	used = total - int64(st.Bavail)*st.Bsize
	return used, total, nil
}

// copyPath copies a file or directory tree, creating parent directories.
func copyPath(ctx context.Context, src, dst string) error {
	src = strings.TrimSuffix(src, string(os.PathSeparator))
	dst = strings.TrimSuffix(dst, string(os.PathSeparator))
	info, err := os.Stat(src)
	if err != nil {
		return mapFSError(src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return mapFSError(dst, err)
	}
	if info.IsDir() {
		return copyTree(ctx, src, dst)
	}
	return copyFile(src, dst)
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return mapFSError(path, err)
		}
		if err := ctx.Err(); err != nil {
			return common.NewErrorf(common.ErrTimeout, "copy interrupted: %v", err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if de.IsDir() {
			return os.MkdirAll(target, 0o775)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return mapFSError(src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		return mapFSError(dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return mapFSError(dst, err)
	}
	if err := out.Close(); err != nil {
		return mapFSError(dst, err)
	}
	return nil
}

func mapFSError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return common.NewErrorf(common.ErrNotFound, "%s does not exist", path)
	case errors.Is(err, fs.ErrPermission):
		return common.NewErrorf(common.ErrPermissionDenied, "%s: %v", path, err)
	default:
		return common.NewErrorf(common.ErrBackendUnavailable, "%s: %v", path, err)
	}
}
