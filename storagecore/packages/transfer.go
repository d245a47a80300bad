package packages

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/shortuuid/v3"
	"github.com/minio/sha256-simd"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/backend"
	"github.com/openarchive/storaged/storagecore/callback"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreRequest admits a new package into managed storage.
type StoreRequest struct {
	PackageUUID  string
	Name         string
	PipelineUUID string
	PackageType  string
	// SourceLocation/SourcePath say where the pipeline left the content,
	// usually its currently-processing location.
	SourceLocation string
	SourcePath     string
	Size           int64
	Checksum       string
	ChecksumAlgo   string
	Description    string
	RelatedUUIDs   []string
}

func (r *StoreRequest) destinationPurpose() string {
	switch r.PackageType {
	case TypeDIP:
		return location.PurposeDIPStorage
	case TypeTransfer:
		return location.PurposeTransferBacklog
	default:
		return location.PurposeAIPStorage
	}
}

func (r *StoreRequest) validate() error {
	switch {
	case r.PackageUUID == "":
		return common.InvalidRequest("package uuid is required")
	case r.Name == "":
		return common.InvalidRequest("package name is required")
	case r.PipelineUUID == "":
		return common.InvalidRequest("origin pipeline is required")
	case r.SourceLocation == "" || r.SourcePath == "":
		return common.InvalidRequest("source location and path are required")
	case config.Configuration.ObjectSizeLimit > 0 && r.Size > config.Configuration.ObjectSizeLimit:
		return common.NewErrorf(common.ErrInvalidParameters,
			"package of %d bytes exceeds the object size limit", r.Size)
	}
	if r.PackageType == "" {
		r.PackageType = TypeAIP
	}
	if r.ChecksumAlgo == "" {
		r.ChecksumAlgo = "sha256"
	}
	return nil
}

// StoreAIP runs the admission flow: create the package PENDING, reserve
// quota, stage the content over, verify fixity for pointer-carrying types,
// then advance to UPLOADED in a final transaction. Any failure after
// admission parks the package in FAIL and returns the reserved bytes; the
// source copy is never touched.
func StoreAIP(req *StoreRequest) (*Package, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var (
		pkg     *Package
		srcLoc  *location.Location
		destLoc *location.Location
	)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		srcLoc, err = location.GetLocation(ctx, req.SourceLocation)
		if err != nil {
			return err
		}
		destLoc, err = location.ResolveLocation(ctx, req.PipelineUUID, req.destinationPurpose())
		if err != nil {
			return err
		}
		// A retried store for a uuid already in flight or stored must not
		// reserve quota twice; only a FAIL row starts a fresh cycle.
		prior := &Package{}
		perr := datastore.GetStore().GetTransaction(ctx).
			Where("uuid = ?", req.PackageUUID).Take(prior).Error
		switch {
		case perr == nil && prior.Status != StatusFail:
			return common.NewErrorf(common.ErrDuplicateRequest,
				"package %s is already %s", req.PackageUUID, prior.Status)
		case perr != nil && perr != gorm.ErrRecordNotFound:
			return common.NewErrorf(common.ErrInternal, "check package %s: %v", req.PackageUUID, perr)
		}
		if err := location.ReserveUsage(ctx, destLoc, req.Size); err != nil {
			return err
		}
		pkg = &Package{
			UUID:           req.PackageUUID,
			Description:    req.Description,
			OriginPipeline: req.PipelineUUID,
			PackageType:    req.PackageType,
			Size:           req.Size,
			Status:         StatusPending,
		}
		if err := pkg.Save(ctx); err != nil {
			return err
		}
		for _, rel := range req.RelatedUUIDs {
			if err := Relate(ctx, pkg.UUID, rel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	destRel := destLoc.PathTo(location.ReservePath(req.Name, req.PackageUUID))
	if err := runTransfer(pkg, srcLoc, destLoc, req, destRel); err != nil {
		failErr := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			if rerr := location.ReleaseUsage(ctx, destLoc, req.Size); rerr != nil {
				return rerr
			}
			return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusFail})
		})
		if failErr != nil {
			logging.Logger.Error("cannot record store failure",
				zap.String("package", pkg.UUID), zap.Error(failErr))
		}
		return nil, err
	}
	return pkg, nil
}

// runTransfer moves the content and advances the package row. pkg fields are
// mutated to their post-store values on success.
func runTransfer(pkg *Package, srcLoc, destLoc *location.Location, req *StoreRequest, destRel string) error {
	ctx, cancel := transferContext()
	defer cancel()

	if err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusStaging})
	}); err != nil {
		return err
	}
	pkg.Status = StatusStaging

	spec := &backend.TransferSpec{
		PackageUUID:  pkg.UUID,
		Size:         req.Size,
		Checksum:     req.Checksum,
		ChecksumAlgo: req.ChecksumAlgo,
	}
	srcRel := srcLoc.PathTo(req.SourcePath)

	destAdapter, err := destLoc.Space.Adapter()
	if err != nil {
		return err
	}

	moved := false
	if srcLoc.SpaceUUID == destLoc.SpaceUUID {
		if mover, ok := destAdapter.(backend.LocalMover); ok {
			err := mover.Move(ctx, destLoc.Space.AbsolutePath(srcRel), destLoc.Space.AbsolutePath(destRel))
			switch {
			case err == nil:
				moved = true
			case err == backend.ErrMoveUnsupported:
			default:
				return err
			}
		}
	}

	if !moved {
		staged, cleanup, err := stageToService(ctx, srcLoc, destLoc, srcRel, req.Name, spec)
		if err != nil {
			return err
		}
		defer cleanup()
		if pkg.HasPointerFile() && req.Checksum != "" {
			if err := verifyLocalChecksum(staged, req.Checksum, req.ChecksumAlgo); err != nil {
				return err
			}
		}
		if err := destLoc.Space.MoveFromStorageService(ctx, staged, destRel, spec); err != nil {
			return err
		}
	}

	var pointerLoc *location.Location
	pointerPath := ""
	if pkg.HasPointerFile() {
		err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			var err error
			pointerLoc, err = location.ResolveInternal(ctx)
			return err
		})
		if err != nil {
			return err
		}
		pointerPath = pointerLoc.PathTo(filepath.Join(common.UUIDToPath(pkg.UUID), PointerFileName(pkg.UUID)))
		pf := &PointerFile{
			PackageUUID:    pkg.UUID,
			PackageType:    pkg.PackageType,
			Size:           req.Size,
			Checksum:       req.Checksum,
			ChecksumAlgo:   req.ChecksumAlgo,
			StoredLocation: destLoc.UUID,
			StoredPath:     destRel,
		}
		if fp, ok := destAdapter.(interface{ Fingerprint() string }); ok {
			pf.EncryptionKeyFingerprint = fp.Fingerprint()
			pkg.EncryptionKeyFingerprint = pf.EncryptionKeyFingerprint
		}
		if err := WritePointerFile(pf, pointerLoc.Space.AbsolutePath(pointerPath)); err != nil {
			return err
		}
	}

	// Deposit and archival-network backends confirm ingest later; the
	// package stays staged until they do.
	status := StatusUploaded
	if du, ok := destAdapter.(backend.DeferredUploader); ok && du.UploadDeferred() {
		status = StatusStaging
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		values := map[string]interface{}{
			"current_location": destLoc.UUID,
			"current_path":     destRel,
			"status":           status,
		}
		if pointerLoc != nil {
			values["pointer_file_location"] = pointerLoc.UUID
			values["pointer_file_path"] = pointerPath
		}
		if pkg.EncryptionKeyFingerprint != "" {
			values["encryption_key_fingerprint"] = pkg.EncryptionKeyFingerprint
		}
		if err := pkg.UpdateColumns(ctx, values); err != nil {
			return err
		}
		pkg.CurrentLocation = destLoc.UUID
		pkg.CurrentPath = destRel
		pkg.Status = status
		if pointerLoc != nil {
			pkg.PointerFileLocation = pointerLoc.UUID
			pkg.PointerFilePath = pointerPath
		}
		if err := CreateReplicas(ctx, pkg, destLoc); err != nil {
			return err
		}
		callback.FireForEvent(ctx, storeEvent(pkg.PackageType), pkg.UUID, pkg.Name())
		return nil
	})
	return err
}

func storeEvent(packageType string) string {
	switch packageType {
	case TypeAIC:
		return callback.EventPostStoreAIC
	case TypeDIP:
		return callback.EventPostStoreDIP
	default:
		return callback.EventPostStoreAIP
	}
}

// stageToService pulls the source content onto the storage service host
// under the destination space's staging area and returns the absolute staged
// path plus a cleanup func.
func stageToService(ctx context.Context, srcLoc, destLoc *location.Location, srcRel, name string, spec *backend.TransferSpec) (string, func(), error) {
	stagingRel := filepath.Join(spec.PackageUUID, shortuuid.New(), name)
	if err := srcLoc.Space.MoveToStorageService(ctx, srcRel, stagingRel, destLoc.Space, spec); err != nil {
		return "", nil, err
	}
	staged := destLoc.Space.StagingAbsolutePath(stagingRel)
	cleanup := func() {
		root := destLoc.Space.StagingAbsolutePath(spec.PackageUUID)
		if err := os.RemoveAll(root); err != nil {
			logging.Logger.Warn("cannot clean staging dir",
				zap.String("path", root), zap.Error(err))
		}
	}
	return staged, cleanup, nil
}

// verifyLocalChecksum hashes a local file or tree and compares against the
// expected hex digest.
func verifyLocalChecksum(path, want, algo string) error {
	var h hash.Hash
	switch strings.ToLower(algo) {
	case "", "sha256":
		h = sha256.New()
	case "md5":
		h = md5.New()
	default:
		return common.NewErrorf(common.ErrInvalidParameters, "unsupported checksum algorithm %q", algo)
	}
	if err := hashPath(path, h); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return common.NewErrorf(common.ErrChecksumMismatch,
			"%s hashed to %s, expected %s", path, got, want)
	}
	return nil
}

// hashPath feeds a file, or every file of a tree in lexical order, into h.
func hashPath(path string, h hash.Hash) error {
	info, err := os.Stat(path)
	if err != nil {
		return common.NewErrorf(common.ErrNotFound, "%s does not exist", path)
	}
	feed := func(p string) error {
		f, err := os.Open(p)
		if err != nil {
			return common.NewErrorf(common.ErrInternal, "hash %s: %v", p, err)
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return common.NewErrorf(common.ErrInternal, "hash %s: %v", p, err)
		}
		return nil
	}
	if !info.IsDir() {
		return feed(path)
	}
	return filepath.WalkDir(path, func(p string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		return feed(p)
	})
}

func transferContext() (context.Context, context.CancelFunc) {
	timeout := config.Configuration.TransferTimeout
	if timeout <= 0 {
		return context.WithCancel(common.GetRootContext())
	}
	return context.WithTimeout(common.GetRootContext(), timeout)
}

// Retrieve copies the package's authoritative copy to an absolute local
// path on the storage service host, decrypting transparently where the
// backend encrypts at rest.
func Retrieve(uuid, localDst string) error {
	var pkg *Package
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		pkg, err = GetPackage(ctx, uuid)
		return err
	})
	if err != nil {
		return err
	}
	if pkg.CurrentLocation == "" || pkg.Location == nil || pkg.Location.Space == nil {
		return common.NewErrorf(common.ErrNotFound, "package %s has no stored copy", uuid)
	}
	switch pkg.Status {
	case StatusDeleted:
		return common.NewErrorf(common.ErrNotFound, "package %s is deleted", uuid)
	case StatusPending, StatusStaging:
		return common.NewErrorf(common.ErrInvalidParameters, "package %s is not fully stored yet", uuid)
	}
	ctx, cancel := transferContext()
	defer cancel()
	adapter, err := pkg.Location.Space.Adapter()
	if err != nil {
		return err
	}
	spec := &backend.TransferSpec{PackageUUID: pkg.UUID, Size: pkg.Size}
	return adapter.MoveToStorageService(ctx, pkg.Location.Space.AbsolutePath(pkg.CurrentPath), localDst, spec)
}

// MovePackage relocates a package to another location. Content in transfer
// backlog or AIP storage stays put.
func MovePackage(uuid, destLocationUUID string) error {
	var (
		pkg     *Package
		srcLoc  *location.Location
		destLoc *location.Location
	)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		pkg, err = GetPackageForUpdate(ctx, uuid)
		if err != nil {
			return err
		}
		if pkg.CurrentLocation == "" {
			return common.NewErrorf(common.ErrNotFound, "package %s has no stored copy", uuid)
		}
		srcLoc, err = location.GetLocation(ctx, pkg.CurrentLocation)
		if err != nil {
			return err
		}
		for _, purpose := range location.PurposesDisallowedMove {
			if srcLoc.Purpose == purpose {
				return common.NewErrorf(common.ErrInvalidParameters,
					"packages cannot be moved out of %s locations", srcLoc.Purpose)
			}
		}
		destLoc, err = location.GetLocation(ctx, destLocationUUID)
		if err != nil {
			return err
		}
		if !destLoc.Enabled {
			return common.NewErrorf(common.ErrLocationDisabled, "location %s is disabled", destLoc.UUID)
		}
		return location.ReserveUsage(ctx, destLoc, pkg.Size)
	})
	if err != nil {
		return err
	}

	ctx, cancel := transferContext()
	defer cancel()
	destRel := destLoc.PathTo(location.ReservePath(pkg.Name(), pkg.UUID))
	spec := &backend.TransferSpec{PackageUUID: pkg.UUID, Size: pkg.Size}
	srcRel := pkg.CurrentPath

	staged, cleanup, err := stageToService(ctx, srcLoc, destLoc, srcRel, pkg.Name(), spec)
	if err == nil {
		err = destLoc.Space.MoveFromStorageService(ctx, staged, destRel, spec)
		cleanup()
	}
	if err != nil {
		if rerr := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			return location.ReleaseUsage(ctx, destLoc, pkg.Size)
		}); rerr != nil {
			logging.Logger.Error("cannot release reservation after failed move",
				zap.String("package", pkg.UUID), zap.Error(rerr))
		}
		return err
	}

	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		if err := location.ReleaseUsage(ctx, srcLoc, pkg.Size); err != nil {
			return err
		}
		if err := srcLoc.Space.Delete(ctx, srcRel); err != nil && !common.IsError(err, common.ErrNotFound) {
			logging.Logger.Warn("old copy left behind after move",
				zap.String("package", pkg.UUID), zap.String("path", srcRel), zap.Error(err))
		}
		return pkg.UpdateColumns(ctx, map[string]interface{}{
			"current_location": destLoc.UUID,
			"current_path":     destRel,
		})
	})
}

// StartReingest parks an UPLOADED/VERIFIED package in FINALIZE while a
// pipeline reprocesses it.
func StartReingest(uuid string) error {
	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		pkg, err := GetPackageForUpdate(ctx, uuid)
		if err != nil {
			return err
		}
		if pkg.Status != StatusUploaded && pkg.Status != StatusVerified {
			return common.NewErrorf(common.ErrInvalidParameters,
				"package %s is %s, reingest needs a stored package", uuid, pkg.Status)
		}
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusFinalize})
	})
}

// CompleteReingest returns a FINALIZE package to UPLOADED.
func CompleteReingest(uuid string) error {
	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		pkg, err := GetPackageForUpdate(ctx, uuid)
		if err != nil {
			return err
		}
		if pkg.Status != StatusFinalize {
			return common.NewErrorf(common.ErrInvalidParameters,
				"package %s is %s, not finalizing", uuid, pkg.Status)
		}
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": StatusUploaded})
	})
}
