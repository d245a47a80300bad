package packages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/lithammer/shortuuid/v3"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/backend"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
)

// FixityResult is the outcome of one fixity check.
type FixityResult struct {
	PackageUUID string `json:"package_uuid"`
	Success     bool   `json:"success"`
	// Deferred is set when the backend has not produced a verdict yet.
	Deferred bool   `json:"deferred,omitempty"`
	Details  string `json:"details,omitempty"`
}

// CheckFixity verifies a stored package against its pointer file baseline.
// Backends with native fixity answer directly; everything else gets pulled
// through staging and hashed. The outcome lands in the fixity log and an
// UPLOADED package that passes advances to VERIFIED; a failure on any status
// parks the package in FAIL.
func CheckFixity(uuid string) (*FixityResult, error) {
	var pkg *Package
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		pkg, err = GetPackage(ctx, uuid)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch pkg.Status {
	case StatusUploaded, StatusVerified:
	default:
		return nil, common.NewErrorf(common.ErrInvalidParameters,
			"package %s is %s, fixity applies to stored packages", uuid, pkg.Status)
	}
	if pkg.Location == nil || pkg.Location.Space == nil {
		return nil, common.NewErrorf(common.ErrNotFound, "package %s has no stored copy", uuid)
	}

	result, err := runFixityCheck(pkg)
	if err != nil {
		return nil, err
	}
	if result.Deferred {
		return result, nil
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		tx := datastore.GetStore().GetTransaction(ctx)
		entry := &FixityLog{
			PackageUUID:      pkg.UUID,
			Success:          result.Success,
			ErrorDetails:     result.Details,
			DatetimeReported: common.Now(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return common.NewErrorf(common.ErrInternal, "record fixity for %s: %v", pkg.UUID, err)
		}
		locked, err := GetPackageForUpdate(ctx, pkg.UUID)
		if err != nil {
			return err
		}
		switch {
		case !result.Success:
			return locked.UpdateColumns(ctx, map[string]interface{}{"status": StatusFail})
		case locked.Status == StatusUploaded:
			return locked.UpdateColumns(ctx, map[string]interface{}{"status": StatusVerified})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func runFixityCheck(pkg *Package) (*FixityResult, error) {
	ctx, cancel := transferContext()
	defer cancel()

	adapter, err := pkg.Location.Space.Adapter()
	if err != nil {
		return nil, err
	}
	spec := &backend.TransferSpec{PackageUUID: pkg.UUID, Size: pkg.Size}
	if pkg.PointerFilePath != "" {
		if pf, err := loadPointer(pkg); err == nil {
			spec.Checksum = pf.Checksum
			spec.ChecksumAlgo = pf.ChecksumAlgo
		} else {
			logging.Logger.Warn("pointer file unreadable for fixity",
				zap.String("package", pkg.UUID), zap.Error(err))
		}
	}

	abs := pkg.Location.Space.AbsolutePath(pkg.CurrentPath)
	if checker, ok := adapter.(backend.FixityChecker); ok {
		ok2, detail, err := checker.CheckFixity(ctx, abs, spec)
		if err != nil {
			return nil, err
		}
		if ok2 == nil {
			return &FixityResult{PackageUUID: pkg.UUID, Deferred: true, Details: detail}, nil
		}
		return &FixityResult{PackageUUID: pkg.UUID, Success: *ok2, Details: detail}, nil
	}

	if spec.Checksum == "" {
		return nil, common.NewErrorf(common.ErrInvalidParameters,
			"package %s has no recorded checksum to verify against", pkg.UUID)
	}

	scratch := filepath.Join(config.Configuration.StagingPath, "fixity", pkg.UUID, shortuuid.New())
	defer os.RemoveAll(filepath.Join(config.Configuration.StagingPath, "fixity", pkg.UUID))
	target := filepath.Join(scratch, pkg.Name())
	if err := adapter.MoveToStorageService(ctx, abs, target, spec); err != nil {
		return nil, err
	}
	if err := verifyLocalChecksum(target, spec.Checksum, spec.ChecksumAlgo); err != nil {
		if common.IsError(err, common.ErrChecksumMismatch) {
			return &FixityResult{PackageUUID: pkg.UUID, Success: false, Details: err.Error()}, nil
		}
		return nil, err
	}
	return &FixityResult{PackageUUID: pkg.UUID, Success: true}, nil
}

func loadPointer(pkg *Package) (*PointerFile, error) {
	var ploc *location.Location
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		ploc, err = location.GetLocation(ctx, pkg.PointerFileLocation)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ReadPointerFile(ploc.Space.AbsolutePath(pkg.PointerFilePath))
}
