package packages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/backend"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
)

// RecoverPackage replaces a package's stored copy with replacement content
// an operator has deposited in the pipeline's recovery location, under the
// package's shard path. The steps run in order:
//
//  1. fixity-check the replacement against the pointer baseline; a failure
//     here aborts with nothing touched,
//  2. back up the current copy into the recovery location,
//  3. install the replacement over the primary copy,
//  4. fixity-check the installed copy; a failure now parks the package in
//     FAIL, the backup from step 2 still in hand.
//
// On success the package returns to UPLOADED for re-verification.
func RecoverPackage(pkgUUID, pipelineUUID string) error {
	var (
		pkg         *Package
		recoveryLoc *location.Location
	)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		pkg, err = GetPackage(ctx, pkgUUID)
		if err != nil {
			return err
		}
		if pkg.Status != StatusRecoverReq {
			return common.NewErrorf(common.ErrInvalidParameters,
				"package %s is %s, not awaiting recovery", pkgUUID, pkg.Status)
		}
		if pkg.Location == nil || pkg.Location.Space == nil {
			return common.NewErrorf(common.ErrNotFound, "package %s has no stored copy", pkgUUID)
		}
		recoveryLoc, err = location.ResolveLocation(ctx, pipelineUUID, location.PurposeAIPRecovery)
		return err
	})
	if err != nil {
		return err
	}

	pointer, err := loadPointer(pkg)
	if err != nil {
		return err
	}

	ctx, cancel := transferContext()
	defer cancel()

	name := pkg.Name()
	shard := common.UUIDToPath(pkg.UUID)
	replacementRel := recoveryLoc.PathTo(filepath.Join(shard, name))
	replacementAbs := recoveryLoc.Space.AbsolutePath(replacementRel)

	if err := verifyLocalChecksum(replacementAbs, pointer.Checksum, pointer.ChecksumAlgo); err != nil {
		return err
	}

	backupRel := recoveryLoc.PathTo(filepath.Join(shard, "backup", name))
	primaryLoc := pkg.Location
	spec := &backend.TransferSpec{
		PackageUUID:  pkg.UUID,
		Size:         pkg.Size,
		Checksum:     pointer.Checksum,
		ChecksumAlgo: pointer.ChecksumAlgo,
	}
	adapter, err := primaryLoc.Space.Adapter()
	if err != nil {
		return err
	}
	backupAbs := recoveryLoc.Space.AbsolutePath(backupRel)
	if err := adapter.MoveToStorageService(ctx, primaryLoc.Space.AbsolutePath(pkg.CurrentPath), backupAbs, spec); err != nil {
		return err
	}

	if err := primaryLoc.Space.MoveFromStorageService(ctx, replacementAbs, pkg.CurrentPath, spec); err != nil {
		return err
	}

	// The old copy is gone from primary storage from here on. A mismatch
	// now is a FAIL, not a rollback; the step 2 backup is the recourse.
	if err := verifyInstalledCopy(ctx, adapter, primaryLoc, pkg, spec); err != nil {
		if ferr := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusFail})
		}); ferr != nil {
			logging.Logger.Error("cannot mark package failed after recovery mismatch",
				zap.String("package", pkg.UUID), zap.Error(ferr))
		}
		return err
	}

	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusUploaded})
	})
}

// verifyInstalledCopy pulls the freshly installed copy back and hashes it.
func verifyInstalledCopy(ctx context.Context, adapter backend.Adapter, loc *location.Location, pkg *Package, spec *backend.TransferSpec) error {
	if checker, ok := adapter.(backend.FixityChecker); ok {
		ok2, detail, err := checker.CheckFixity(ctx, loc.Space.AbsolutePath(pkg.CurrentPath), spec)
		if err != nil {
			return err
		}
		if ok2 != nil && !*ok2 {
			return common.NewErrorf(common.ErrChecksumMismatch, "installed copy failed fixity: %s", detail)
		}
		return nil
	}
	scratch := loc.Space.StagingAbsolutePath(filepath.Join(pkg.UUID, "recovery-verify", pkg.Name()))
	defer removeScratch(loc, pkg.UUID)
	if err := adapter.MoveToStorageService(ctx, loc.Space.AbsolutePath(pkg.CurrentPath), scratch, spec); err != nil {
		return err
	}
	return verifyLocalChecksum(scratch, spec.Checksum, spec.ChecksumAlgo)
}

func removeScratch(loc *location.Location, pkgUUID string) {
	root := loc.Space.StagingAbsolutePath(pkgUUID)
	if err := os.RemoveAll(root); err != nil {
		logging.Logger.Warn("cannot clean recovery scratch",
			zap.String("path", root), zap.Error(err))
	}
}
