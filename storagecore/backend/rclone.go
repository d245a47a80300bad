package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
)

func init() {
	Register(ProtocolRclone, func(cfg map[string]interface{}) (Adapter, error) {
		var c RcloneConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad rclone config: %v", err)
		}
		if c.RemoteName == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "rclone space needs remote_name")
		}
		return &rcloneAdapter{cfg: c, run: runCommand}, nil
	})
}

// RcloneConfig configures a space on any remote the host's rclone install
// has configured. The remote must already exist in the rclone config.
type RcloneConfig struct {
	// RemoteName is the rclone remote, without the trailing colon.
	RemoteName string `mapstructure:"remote_name"`
	// ContainerName scopes all paths to a bucket or container on remotes
	// that have them.
	ContainerName string `mapstructure:"container_name"`
}

type rcloneAdapter struct {
	cfg RcloneConfig
	run runFunc
}

func (a *rcloneAdapter) remote(path string) string {
	p := strings.TrimPrefix(path, "/")
	if a.cfg.ContainerName != "" {
		p = a.cfg.ContainerName + "/" + p
	}
	return strings.TrimSuffix(a.cfg.RemoteName, ":") + ":" + p
}

func (a *rcloneAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		if strings.HasSuffix(src, "/") {
			_, err := a.run(ctx, nil, "rclone", "copy", a.remote(src), strings.TrimSuffix(dst, "/"))
			return err
		}
		_, err := a.run(ctx, nil, "rclone", "copyto", a.remote(src), dst)
		return err
	})
}

func (a *rcloneAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		if strings.HasSuffix(src, "/") {
			_, err := a.run(ctx, nil, "rclone", "copy", strings.TrimSuffix(src, "/"), a.remote(dst))
			return err
		}
		_, err := a.run(ctx, nil, "rclone", "copyto", src, a.remote(dst))
		return err
	})
}

func (a *rcloneAdapter) DeletePath(ctx context.Context, path string) error {
	if _, err := a.run(ctx, nil, "rclone", "lsjson", "--stat", a.remote(strings.TrimSuffix(path, "/"))); err != nil {
		return common.NewErrorf(common.ErrNotFound, "%s not on remote %s", path, a.cfg.RemoteName)
	}
	if strings.HasSuffix(path, "/") {
		_, err := a.run(ctx, nil, "rclone", "purge", a.remote(strings.TrimSuffix(path, "/")))
		return err
	}
	// deletefile refuses directories; fall back to purge for those.
	if _, err := a.run(ctx, nil, "rclone", "deletefile", a.remote(path)); err != nil {
		_, perr := a.run(ctx, nil, "rclone", "purge", a.remote(path))
		return perr
	}
	return nil
}

// rcloneEntry is one record of `rclone lsjson`.
type rcloneEntry struct {
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

func (a *rcloneAdapter) Browse(ctx context.Context, path string) (*Listing, error) {
	out, err := a.run(ctx, nil, "rclone", "lsjson", a.remote(strings.TrimSuffix(path, "/")))
	if err != nil {
		return nil, err
	}
	var raw []rcloneEntry
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, common.NewErrorf(common.ErrBackendUnavailable, "bad lsjson output: %v", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entry := Entry{Name: e.Name, Directory: e.IsDir, Modified: e.ModTime}
		if !e.IsDir {
			entry.Size = e.Size
		}
		entries = append(entries, entry)
	}
	return NewListing(entries), nil
}
