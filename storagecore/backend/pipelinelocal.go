package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"go.uber.org/zap"
)

func init() {
	Register(ProtocolPipeline, func(cfg map[string]interface{}) (Adapter, error) {
		var c PipelineLocalConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad pipeline local config: %v", err)
		}
		if c.RemoteUser == "" || c.RemoteName == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "pipeline local space needs remote_user and remote_name")
		}
		return &pipelineLocalAdapter{cfg: c, run: runCommand}, nil
	})
}

// PipelineLocalConfig describes a filesystem local to a pipeline host,
// reached over SSH. Key-based auth must already be set up between the
// storage service account and remote_user@remote_name.
type PipelineLocalConfig struct {
	RemoteUser string `mapstructure:"remote_user"`
	RemoteName string `mapstructure:"remote_name"`
	// AssumeRsyncDaemonDest switches the destination syntax to a single-colon
	// rsync daemon path.
	AssumeRsyncDaemonDest bool   `mapstructure:"assume_rsync_daemon_dest"`
	RsyncPassword         string `mapstructure:"rsync_password"`
}

type runFunc func(ctx context.Context, env []string, name string, args ...string) (string, error)

type pipelineLocalAdapter struct {
	cfg PipelineLocalConfig
	run runFunc
}

func (a *pipelineLocalAdapter) host() string {
	return a.cfg.RemoteUser + "@" + a.cfg.RemoteName
}

// remote builds the rsync remote spec for a path on the pipeline host. The
// daemon form uses a double colon and no leading slash on the module path.
func (a *pipelineLocalAdapter) remote(path string) string {
	if a.cfg.AssumeRsyncDaemonDest {
		return a.host() + "::" + strings.TrimPrefix(path, "/")
	}
	return a.host() + ":" + path
}

func (a *pipelineLocalAdapter) env() []string {
	if a.cfg.RsyncPassword != "" {
		return []string{"RSYNC_PASSWORD=" + a.cfg.RsyncPassword}
	}
	return nil
}

func (a *pipelineLocalAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		if err := os.MkdirAll(parentDir(dst), 0o775); err != nil {
			return mapFSError(dst, err)
		}
		return a.rsync(ctx, a.remote(src), dst)
	})
}

func (a *pipelineLocalAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		if _, err := a.run(ctx, nil, "ssh", a.host(), "mkdir", "-p", shellQuote(parentDir(dst))); err != nil {
			return err
		}
		return a.rsync(ctx, src, a.remote(dst))
	})
}

func (a *pipelineLocalAdapter) DeletePath(ctx context.Context, path string) error {
	if _, err := a.run(ctx, nil, "ssh", a.host(), "test", "-e", shellQuote(path)); err != nil {
		return common.NewErrorf(common.ErrNotFound, "%s does not exist on %s", path, a.cfg.RemoteName)
	}
	_, err := a.run(ctx, nil, "ssh", a.host(), "rm", "-rf", shellQuote(path))
	return err
}

// rsyncListRe matches `rsync --list-only` output lines:
// drwxr-xr-x          4,096 2025/01/02 12:34:56 name
var rsyncListRe = regexp.MustCompile(`^(\S{10})\s+([\d,]+)\s+(\S+\s\S+)\s+(.+)$`)

func (a *pipelineLocalAdapter) Browse(ctx context.Context, path string) (*Listing, error) {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	out, err := a.run(ctx, a.env(), "rsync", "--protect-args", "--list-only", a.remote(path))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		m := rsyncListRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil || m[4] == "." {
			continue
		}
		size, _ := strconv.ParseInt(strings.ReplaceAll(m[2], ",", ""), 10, 64)
		mod, _ := time.Parse("2006/01/02 15:04:05", m[3])
		entries = append(entries, Entry{
			Name:      m[4],
			Directory: strings.HasPrefix(m[1], "d"),
			Size:      size,
			Modified:  mod,
		})
	}
	return NewListing(entries), nil
}

func (a *pipelineLocalAdapter) rsync(ctx context.Context, src, dst string) error {
	// -t preserves mtimes so repeated syncs are cheap, -O because some
	// pipeline mounts refuse directory time updates.
	_, err := a.run(ctx, a.env(), "rsync", "-t", "-O", "--protect-args", "-vv", "--chmod=ugo+rw", "-r", src, dst)
	return err
}

func runCommand(ctx context.Context, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		logging.Logger.Error("command failed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.String("stderr", stderr.String()))
		return stdout.String(), common.NewErrorf(common.ErrBackendUnavailable,
			"%s failed: %v: %s", name, err, firstLine(stderr.String()))
	}
	return stdout.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func parentDir(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "/"
}

func shellQuote(s string) string {
	return fmt.Sprintf("'%s'", strings.ReplaceAll(s, "'", `'\''`))
}
