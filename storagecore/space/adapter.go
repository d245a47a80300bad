package space

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/backend"
	"go.uber.org/zap"
)

// adapterCache holds constructed adapters. Keys include the row's update
// time so editing a space's configuration drops the stale adapter.
var adapterCache, _ = lru.New[string, backend.Adapter](64)

// Adapter returns the backend adapter for this space, constructing it on
// first use.
func (s *Space) Adapter() (backend.Adapter, error) {
	cacheKey := fmt.Sprintf("%s@%d", s.UUID, s.UpdatedAt.UnixNano())
	if a, ok := adapterCache.Get(cacheKey); ok {
		return a, nil
	}
	cfg, err := s.ProtoConfigMap()
	if err != nil {
		return nil, err
	}
	a, err := backend.New(s.AccessProtocol, cfg)
	if err != nil {
		return nil, err
	}
	adapterCache.Add(cacheKey, a)
	return a, nil
}

// AbsolutePath anchors a space-relative path at the space root. A trailing
// slash on rel survives, it marks a directory for the adapters.
func (s *Space) AbsolutePath(rel string) string {
	abs := filepath.Join(s.Path, rel)
	if strings.HasSuffix(rel, "/") && !strings.HasSuffix(abs, "/") {
		abs += "/"
	}
	return abs
}

// StagingAbsolutePath anchors a path in the space's staging area.
func (s *Space) StagingAbsolutePath(rel string) string {
	abs := filepath.Join(s.StagingPath, rel)
	if strings.HasSuffix(rel, "/") && !strings.HasSuffix(abs, "/") {
		abs += "/"
	}
	return abs
}

// MoveToStorageService pulls src (relative to this space's root) onto the
// storage service host at the destination space's staging area under dst.
// The source space's adapter does the work.
func (s *Space) MoveToStorageService(ctx context.Context, src, dst string, dstSpace *Space, spec *backend.TransferSpec) error {
	a, err := s.Adapter()
	if err != nil {
		return err
	}
	return a.MoveToStorageService(ctx, s.AbsolutePath(src), dstSpace.StagingAbsolutePath(dst), spec)
}

// MoveFromStorageService pushes src (an absolute path in this space's
// staging area) into the backend at dst relative to the space root.
func (s *Space) MoveFromStorageService(ctx context.Context, src, dst string, spec *backend.TransferSpec) error {
	a, err := s.Adapter()
	if err != nil {
		return err
	}
	return a.MoveFromStorageService(ctx, src, s.AbsolutePath(dst), spec)
}

// Delete removes dst (relative to the space root) from the backend.
func (s *Space) Delete(ctx context.Context, rel string) error {
	a, err := s.Adapter()
	if err != nil {
		return err
	}
	return a.DeletePath(ctx, s.AbsolutePath(rel))
}

// Browse lists rel (relative to the space root).
func (s *Space) Browse(ctx context.Context, rel string) (*backend.Listing, error) {
	a, err := s.Adapter()
	if err != nil {
		return nil, err
	}
	return a.Browse(ctx, s.AbsolutePath(rel))
}

// Verify checks the space is reachable and, where the backend reports its
// own accounting, refreshes the used counter from it.
func (s *Space) Verify(ctx context.Context) error {
	a, err := s.Adapter()
	if err != nil {
		return err
	}
	if _, err := a.Browse(ctx, s.AbsolutePath("")); err != nil {
		s.Verified = false
		return err
	}
	s.Verified = true
	s.LastVerified = common.Now()
	if reporter, ok := a.(backend.UsageReporter); ok {
		used, total, err := reporter.Usage(s.Path)
		if err != nil {
			logging.Logger.Warn("space usage probe failed",
				zap.String("space", s.UUID), zap.Error(err))
			return nil
		}
		s.Used = used
		if s.Size == 0 {
			s.Size = total
		}
	}
	return nil
}
