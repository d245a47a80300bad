package packages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
)

// DeleteFromStorage removes the package's stored copy, its pointer file and
// any shard directories left empty, then marks the row DELETED and returns
// the bytes to the location. Runs inside the transaction carried by ctx; a
// backend failure aborts before any row changes.
func DeleteFromStorage(ctx context.Context, pkg *Package) error {
	if pkg.CurrentLocation == "" {
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusDeleted})
	}
	loc, err := location.GetLocation(ctx, pkg.CurrentLocation)
	if err != nil {
		return err
	}
	if err := loc.Space.Delete(ctx, pkg.CurrentPath); err != nil && !common.IsError(err, common.ErrNotFound) {
		return err
	}
	pruneEmptyShardDirs(loc.Space.AbsolutePath(loc.FullPath()), loc.Space.AbsolutePath(pkg.CurrentPath))

	if pkg.PointerFilePath != "" {
		if err := deletePointerFile(ctx, pkg); err != nil {
			logging.Logger.Warn("pointer file left behind",
				zap.String("package", pkg.UUID), zap.Error(err))
		}
	}

	if err := location.ReleaseUsage(ctx, loc, pkg.Size); err != nil {
		return err
	}
	return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusDeleted})
}

func deletePointerFile(ctx context.Context, pkg *Package) error {
	ploc, err := location.GetLocation(ctx, pkg.PointerFileLocation)
	if err != nil {
		return err
	}
	if err := ploc.Space.Delete(ctx, pkg.PointerFilePath); err != nil && !common.IsError(err, common.ErrNotFound) {
		return err
	}
	pruneEmptyShardDirs(ploc.Space.AbsolutePath(ploc.FullPath()), ploc.Space.AbsolutePath(pkg.PointerFilePath))
	return nil
}

// pruneEmptyShardDirs removes now-empty uuid shard directories between the
// deleted path and the location root. Locally mounted spaces only; remote
// backends have no empty directories to leave behind.
func pruneEmptyShardDirs(root, deleted string) {
	root = strings.TrimSuffix(root, string(os.PathSeparator))
	dir := filepath.Dir(strings.TrimSuffix(deleted, string(os.PathSeparator)))
	for dir != root && strings.HasPrefix(dir, root+string(os.PathSeparator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
