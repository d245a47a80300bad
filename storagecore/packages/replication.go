package packages

import (
	"context"

	"github.com/google/uuid"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/backend"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
)

// CreateReplicas enqueues one PENDING replica package per replicator
// configured for the stored-into location. The replication worker does the
// actual copying; the primary store never waits for it. Runs inside the
// caller's transaction.
func CreateReplicas(ctx context.Context, master *Package, loc *location.Location) error {
	if master.IsReplica() {
		return nil
	}
	replicators, err := location.Replicators(ctx, loc.UUID)
	if err != nil {
		return err
	}
	for _, rep := range replicators {
		replica := &Package{
			UUID:              uuid.NewString(),
			Description:       master.Description,
			OriginPipeline:    master.OriginPipeline,
			PackageType:       master.PackageType,
			Size:              master.Size,
			Status:            StatusPending,
			ReplicatedPackage: master.UUID,
			CurrentLocation:   rep.UUID,
		}
		if err := replica.Save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pendingReplicas returns queued replicas ready to copy.
func pendingReplicas(ctx context.Context, limit int) ([]*Package, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var out []*Package
	err := tx.Where("status = ? AND replicated_package <> ''", StatusPending).
		Order("created_at").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "scan replica queue: %v", err)
	}
	return out, nil
}

// replicate copies the master's stored content into the replica's location.
// Failure flags the replica FAIL and records the reason on the master's
// misc attributes; the master itself is untouched.
func replicate(replica *Package) error {
	var (
		master  *Package
		destLoc *location.Location
		srcLoc  *location.Location
	)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		// Fetch into a local first: replica must stay usable for failure
		// marking when the fetch itself errors.
		locked, err := GetPackageForUpdate(ctx, replica.UUID)
		if err != nil {
			return err
		}
		replica = locked
		if replica.Status != StatusPending {
			return nil
		}
		master, err = GetPackage(ctx, replica.ReplicatedPackage)
		if err != nil {
			return err
		}
		srcLoc = master.Location
		if srcLoc == nil || srcLoc.Space == nil {
			return common.NewErrorf(common.ErrNotFound, "master %s has no stored copy", replica.ReplicatedPackage)
		}
		destLoc, err = location.GetLocation(ctx, replica.CurrentLocation)
		if err != nil {
			return err
		}
		if err := location.ReserveUsage(ctx, destLoc, replica.Size); err != nil {
			return err
		}
		return replica.UpdateColumns(ctx, map[string]interface{}{"status": StatusStaging})
	})
	if err != nil {
		return markReplicaFailed(replica, master, err)
	}
	if master == nil || replica.Status != StatusPending {
		return nil
	}

	ctx, cancel := transferContext()
	defer cancel()
	spec := &backend.TransferSpec{PackageUUID: replica.UUID, Size: replica.Size}
	destRel := destLoc.PathTo(location.ReservePath(master.Name(), replica.UUID))

	staged, cleanup, err := stageToService(ctx, srcLoc, destLoc, master.CurrentPath, master.Name(), spec)
	if err == nil {
		err = destLoc.Space.MoveFromStorageService(ctx, staged, destRel, spec)
		cleanup()
	}
	if err != nil {
		if rerr := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			return location.ReleaseUsage(ctx, destLoc, replica.Size)
		}); rerr != nil {
			logging.Logger.Error("cannot release replica reservation",
				zap.String("replica", replica.UUID), zap.Error(rerr))
		}
		return markReplicaFailed(replica, master, err)
	}

	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return replica.UpdateColumns(ctx, map[string]interface{}{
			"current_path":          destRel,
			"status":                StatusUploaded,
			"pointer_file_location": master.PointerFileLocation,
			"pointer_file_path":     master.PointerFilePath,
		})
	})
}

func markReplicaFailed(replica, master *Package, cause error) error {
	logging.Logger.Error("replication failed",
		zap.String("replica", replica.UUID),
		zap.String("master", replica.ReplicatedPackage),
		zap.Error(cause))
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		if err := replica.UpdateColumns(ctx, map[string]interface{}{"status": StatusFail}); err != nil {
			return err
		}
		if master == nil {
			return nil
		}
		m, err := GetPackageForUpdate(ctx, master.UUID)
		if err != nil {
			return err
		}
		if err := m.SetMiscAttribute("replication_failure_"+replica.UUID, cause.Error()); err != nil {
			return err
		}
		return m.UpdateColumns(ctx, map[string]interface{}{"misc_attributes": m.MiscAttributes})
	})
	if err != nil {
		logging.Logger.Error("cannot record replication failure",
			zap.String("replica", replica.UUID), zap.Error(err))
	}
	return cause
}
