package backend

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/ncw/swift"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"go.uber.org/zap"
)

func init() {
	Register(ProtocolSwift, func(cfg map[string]interface{}) (Adapter, error) {
		var c SwiftConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad swift config: %v", err)
		}
		if c.AuthURL == "" || c.Container == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "swift space needs auth_url and container")
		}
		conn := &swift.Connection{
			UserName:    c.Username,
			ApiKey:      c.Password,
			AuthUrl:     c.AuthURL,
			AuthVersion: c.AuthVersion,
			Tenant:      c.Tenant,
			Region:      c.Region,
		}
		return &swiftAdapter{conn: conn, container: c.Container}, nil
	})
}

// SwiftConfig configures an OpenStack Swift container space.
type SwiftConfig struct {
	AuthURL     string `mapstructure:"auth_url"`
	AuthVersion int    `mapstructure:"auth_version"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Tenant      string `mapstructure:"tenant"`
	Region      string `mapstructure:"region"`
	Container   string `mapstructure:"container"`
}

type swiftAdapter struct {
	conn      *swift.Connection
	container string
}

func (a *swiftAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		names, err := a.namesUnder(src)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return common.NewErrorf(common.ErrNotFound, "%s does not exist in container %s", src, a.container)
		}
		dst = strings.TrimSuffix(dst, "/")
		for _, name := range names {
			target := dst
			if name != key(src) {
				target = filepath.Join(dst, strings.TrimPrefix(name, key(src)+"/"))
			}
			if err := a.getObject(name, target, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *swiftAdapter) getObject(name, target string, spec *TransferSpec) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
		return mapFSError(target, err)
	}
	// checkHash makes the library compare the etag on close, catching
	// corruption in flight.
	src, _, err := a.conn.ObjectOpen(a.container, name, true, nil)
	if err != nil {
		return a.mapSwiftError(name, err)
	}
	f, err := os.Create(target)
	if err != nil {
		src.Close()
		return mapFSError(target, err)
	}
	_, copyErr := f.ReadFrom(src)
	closeErr := src.Close()
	f.Close()
	if copyErr != nil {
		os.Remove(target)
		return common.NewErrorf(common.ErrBackendUnavailable, "read swift object %s: %v", name, copyErr)
	}
	if closeErr != nil {
		os.Remove(target)
		return common.NewErrorf(common.ErrChecksumMismatch, "swift object %s failed etag check: %v", name, closeErr)
	}
	return nil
}

func (a *swiftAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		info, err := os.Stat(strings.TrimSuffix(src, "/"))
		if err != nil {
			return mapFSError(src, err)
		}
		if !info.IsDir() {
			return a.putObject(strings.TrimSuffix(src, "/"), key(dst))
		}

		// Trees are staged under a hidden sibling prefix and promoted with
		// server-side moves, so Browse never sees a half-uploaded package.
		final := key(dst)
		staging := stagingKey(final)
		var rels []string
		root := strings.TrimSuffix(src, "/")
		err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				return mapFSError(p, err)
			}
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rels = append(rels, filepath.ToSlash(rel))
			return a.putObject(p, path.Join(staging, filepath.ToSlash(rel)))
		})
		if err == nil {
			for _, rel := range rels {
				from := path.Join(staging, rel)
				if merr := a.conn.ObjectMove(a.container, from, a.container, path.Join(final, rel)); merr != nil {
					err = a.mapSwiftError(from, merr)
					break
				}
			}
		}
		if err != nil {
			a.purgePrefix(final)
			a.purgePrefix(staging)
		}
		return err
	})
}

// purgePrefix removes every object under prefix, best effort.
func (a *swiftAdapter) purgePrefix(prefix string) {
	names, err := a.namesUnder(prefix)
	if err != nil {
		return
	}
	for _, name := range names {
		if err := a.conn.ObjectDelete(a.container, name); err != nil && !errors.Is(err, swift.ObjectNotFound) {
			logging.Logger.Warn("cannot clear upload prefix",
				zap.String("container", a.container), zap.String("name", name), zap.Error(err))
		}
	}
}

func (a *swiftAdapter) putObject(local, name string) error {
	f, err := os.Open(local)
	if err != nil {
		return mapFSError(local, err)
	}
	defer f.Close()
	_, err = a.conn.ObjectPut(a.container, name, f, true, "", "", nil)
	if err != nil {
		return a.mapSwiftError(name, err)
	}
	return nil
}

func (a *swiftAdapter) DeletePath(ctx context.Context, p string) error {
	return withRetry(ctx, 0, func() error {
		names, err := a.namesUnder(p)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return common.NewErrorf(common.ErrNotFound, "%s does not exist in container %s", p, a.container)
		}
		for _, name := range names {
			if err := a.conn.ObjectDelete(a.container, name); err != nil && !errors.Is(err, swift.ObjectNotFound) {
				return a.mapSwiftError(name, err)
			}
		}
		return nil
	})
}

func (a *swiftAdapter) Browse(ctx context.Context, p string) (*Listing, error) {
	prefix := key(p)
	if prefix != "" {
		prefix += "/"
	}
	objects, err := a.conn.Objects(a.container, &swift.ObjectsOpts{
		Prefix:    prefix,
		Delimiter: '/',
	})
	if err != nil {
		return nil, a.mapSwiftError(p, err)
	}
	var entries []Entry
	for _, obj := range objects {
		if obj.PseudoDirectory || obj.SubDir != "" {
			name := obj.Name
			if name == "" {
				name = obj.SubDir
			}
			entries = append(entries, Entry{
				Name:      strings.TrimSuffix(strings.TrimPrefix(name, prefix), "/"),
				Directory: true,
			})
			continue
		}
		entries = append(entries, Entry{
			Name:     strings.TrimPrefix(obj.Name, prefix),
			Size:     obj.Bytes,
			Modified: obj.LastModified,
		})
	}
	return NewListing(entries), nil
}

// namesUnder resolves a path to object names: the exact object if present,
// otherwise everything under the path as a prefix.
func (a *swiftAdapter) namesUnder(p string) ([]string, error) {
	k := key(p)
	objects, err := a.conn.Objects(a.container, &swift.ObjectsOpts{Prefix: k})
	if err != nil {
		if errors.Is(err, swift.ContainerNotFound) {
			return nil, common.NewErrorf(common.ErrNotFound, "container %s does not exist", a.container)
		}
		return nil, a.mapSwiftError(p, err)
	}
	var names []string
	for _, obj := range objects {
		if obj.Name == k || strings.HasPrefix(obj.Name, k+"/") {
			names = append(names, obj.Name)
		}
	}
	return names, nil
}

func (a *swiftAdapter) mapSwiftError(name string, err error) error {
	switch {
	case errors.Is(err, swift.ObjectNotFound), errors.Is(err, swift.ContainerNotFound):
		return common.NewErrorf(common.ErrNotFound, "%s does not exist in container %s", name, a.container)
	case errors.Is(err, swift.AuthorizationFailed), errors.Is(err, swift.Forbidden):
		return common.NewErrorf(common.ErrPermissionDenied, "swift refused access to %s: %v", name, err)
	case errors.Is(err, swift.ObjectCorrupted):
		return common.NewErrorf(common.ErrChecksumMismatch, "swift object %s corrupted in transit", name)
	default:
		return common.NewErrorf(common.ErrBackendUnavailable, "swift: %s: %v", name, err)
	}
}
