package packages_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/automigration"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"github.com/openarchive/storaged/storagecore/packages"
	"github.com/openarchive/storaged/storagecore/pipeline"
	"github.com/openarchive/storaged/storagecore/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	payload         = "archival payload"
	payloadChecksum = "b6f21b2a2407f94f301f2df8e21c61906e23e2a8031db203034937814bd4d431"
	wrongChecksum   = "d121be3103007b41edf96f8262925f8c7d61894afe9a041843b631f69445bc57"
)

var setupOnce sync.Once

func setupDB(t *testing.T) {
	t.Helper()
	setupOnce.Do(func() {
		gdb, err := datastore.UseInMemory()
		require.NoError(t, err)
		require.NoError(t, automigration.AutoMigrate(gdb))
		common.SetupRootContext(context.Background())
	})
}

// fixture wires two filesystem spaces with the locations the store flow
// touches: currently-processing on the source side, AIP/DIP storage and the
// internal location on the destination side.
type fixture struct {
	srcSpace  *space.Space
	destSpace *space.Space
	cp        *location.Location
	as        *location.Location
	ds        *location.Location
	ss        *location.Location
	pipe      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	setupDB(t)
	dir := t.TempDir()
	config.Configuration.StagingPath = filepath.Join(dir, "service-staging")

	f := &fixture{pipe: uuid.NewString()}
	_, err := pipeline.Register(&pipeline.RegisterRequest{UUID: f.pipe, Description: "test pipeline"})
	require.NoError(t, err)

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		f.srcSpace = &space.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: "FS",
			Path:           filepath.Join(dir, "pipeline"),
			StagingPath:    filepath.Join(dir, "pipeline-staging"),
		}
		f.destSpace = &space.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: "FS",
			Path:           filepath.Join(dir, "store"),
			StagingPath:    filepath.Join(dir, "store-staging"),
		}
		require.NoError(t, f.srcSpace.Save(ctx))
		require.NoError(t, f.destSpace.Save(ctx))

		mk := func(s *space.Space, purpose string) *location.Location {
			l := &location.Location{
				UUID:         uuid.NewString(),
				SpaceUUID:    s.UUID,
				Purpose:      purpose,
				RelativePath: purpose + "/store",
				Enabled:      true,
			}
			require.NoError(t, l.Save(ctx))
			require.NoError(t, l.LinkPipeline(ctx, f.pipe))
			return l
		}
		f.cp = mk(f.srcSpace, location.PurposeCurrentlyProcessing)
		f.as = mk(f.destSpace, location.PurposeAIPStorage)
		f.ds = mk(f.destSpace, location.PurposeDIPStorage)

		// The internal location is installation-wide, so retire any left
		// over from earlier fixtures before creating this one.
		tx := datastore.GetStore().GetTransaction(ctx)
		require.NoError(t, tx.Model(&location.Location{}).
			Where("purpose = ?", location.PurposeStorageInternal).
			Update("enabled", false).Error)
		f.ss = mk(f.destSpace, location.PurposeStorageInternal)
		return nil
	})
	require.NoError(t, err)
	return f
}

// writeSource drops content where the pipeline would leave it and returns the
// location-relative source path.
func (f *fixture) writeSource(t *testing.T, name, content string) string {
	t.Helper()
	rel := filepath.Join("transfers", name)
	abs := f.srcSpace.AbsolutePath(f.cp.PathTo(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o775))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o664))
	return rel
}

func (f *fixture) storeRequest(name, srcRel string) *packages.StoreRequest {
	return &packages.StoreRequest{
		PackageUUID:    uuid.NewString(),
		Name:           name,
		PipelineUUID:   f.pipe,
		SourceLocation: f.cp.UUID,
		SourcePath:     srcRel,
		Size:           int64(len(payload)),
		Checksum:       payloadChecksum,
		ChecksumAlgo:   "sha256",
	}
}

func (f *fixture) locationUsed(t *testing.T, uuid string) int64 {
	t.Helper()
	var used int64
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		l, err := location.GetLocation(ctx, uuid)
		if err != nil {
			return err
		}
		used = l.Used
		return nil
	})
	require.NoError(t, err)
	return used
}

func (f *fixture) reload(t *testing.T, uuid string) *packages.Package {
	t.Helper()
	var pkg *packages.Package
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		pkg, err = packages.GetPackage(ctx, uuid)
		return err
	})
	require.NoError(t, err)
	return pkg
}

func TestStoreAIP(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)

	pkg, err := packages.StoreAIP(req)
	require.NoError(t, err)

	assert.Equal(t, packages.StatusUploaded, pkg.Status)
	assert.Equal(t, f.as.UUID, pkg.CurrentLocation)
	assert.Equal(t, "Apples-"+req.PackageUUID+".7z", filepath.Base(pkg.CurrentPath))

	// The authoritative copy is complete under the shard path.
	got, err := os.ReadFile(f.destSpace.AbsolutePath(pkg.CurrentPath))
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	// The pipeline's copy is untouched.
	_, err = os.Stat(f.srcSpace.AbsolutePath(f.cp.PathTo(srcRel)))
	assert.NoError(t, err)

	// The pointer sidecar lives in the internal location and records the
	// fixity baseline.
	require.NotEmpty(t, pkg.PointerFilePath)
	assert.Equal(t, f.ss.UUID, pkg.PointerFileLocation)
	pf, err := packages.ReadPointerFile(f.destSpace.AbsolutePath(pkg.PointerFilePath))
	require.NoError(t, err)
	assert.Equal(t, req.PackageUUID, pf.PackageUUID)
	assert.Equal(t, payloadChecksum, pf.Checksum)
	assert.Equal(t, pkg.CurrentPath, pf.StoredPath)

	assert.Equal(t, int64(len(payload)), f.locationUsed(t, f.as.UUID))
	assert.Equal(t, int64(0), f.locationUsed(t, f.cp.UUID))
}

func TestStoreAIPDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)

	pkg, err := packages.StoreAIP(req)
	require.NoError(t, err)
	require.Equal(t, packages.StatusUploaded, pkg.Status)

	// A replayed request for the same uuid is refused at admission: no second
	// reservation, and the stored row keeps its state.
	retry := f.storeRequest("Apples.7z", srcRel)
	retry.PackageUUID = req.PackageUUID
	_, err = packages.StoreAIP(retry)
	require.Error(t, err)
	assert.Equal(t, common.ErrDuplicateRequest, common.ErrorCode(err))
	assert.Equal(t, packages.StatusUploaded, f.reload(t, req.PackageUUID).Status)
	assert.Equal(t, int64(len(payload)), f.locationUsed(t, f.as.UUID))
}

func TestStoreAIPRetryAfterFailure(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)
	req.Checksum = wrongChecksum

	_, err := packages.StoreAIP(req)
	assert.Equal(t, common.ErrChecksumMismatch, common.ErrorCode(err))
	require.Equal(t, packages.StatusFail, f.reload(t, req.PackageUUID).Status)

	// Only a FAIL row starts a fresh cycle for the same uuid.
	retry := f.storeRequest("Apples.7z", srcRel)
	retry.PackageUUID = req.PackageUUID
	pkg, err := packages.StoreAIP(retry)
	require.NoError(t, err)
	assert.Equal(t, packages.StatusUploaded, pkg.Status)
	assert.Equal(t, int64(len(payload)), f.locationUsed(t, f.as.UUID))
}

func TestStoreDIPHasNoPointer(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples_DIP.tar", payload)
	req := f.storeRequest("Apples_DIP.tar", srcRel)
	req.PackageType = packages.TypeDIP

	pkg, err := packages.StoreAIP(req)
	require.NoError(t, err)
	assert.Equal(t, packages.StatusUploaded, pkg.Status)
	assert.Equal(t, f.ds.UUID, pkg.CurrentLocation)
	assert.Empty(t, pkg.PointerFilePath)
}

func TestStoreAIPChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)
	req.Checksum = wrongChecksum

	_, err := packages.StoreAIP(req)
	require.Error(t, err)
	assert.Equal(t, common.ErrChecksumMismatch, common.ErrorCode(err))

	// The package is parked FAIL, the reservation is returned and nothing
	// landed in the storage location.
	pkg := f.reload(t, req.PackageUUID)
	assert.Equal(t, packages.StatusFail, pkg.Status)
	assert.Empty(t, pkg.CurrentLocation)
	assert.Equal(t, int64(0), f.locationUsed(t, f.as.UUID))
}

func TestStoreAIPQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		f.as.Quota = 10
		return f.as.Save(ctx)
	})
	require.NoError(t, err)

	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)

	_, err = packages.StoreAIP(req)
	require.Error(t, err)
	assert.Equal(t, common.ErrQuotaExceeded, common.ErrorCode(err))

	// Admission failed, so no package row exists at all.
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		_, err := packages.GetPackage(ctx, req.PackageUUID)
		return err
	})
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
	assert.Equal(t, int64(0), f.locationUsed(t, f.as.UUID))
}

func TestStoreAIPMissingSource(t *testing.T) {
	f := newFixture(t)
	req := f.storeRequest("Apples.7z", "transfers/never-written.7z")

	_, err := packages.StoreAIP(req)
	require.Error(t, err)
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
	assert.Equal(t, packages.StatusFail, f.reload(t, req.PackageUUID).Status)
}

func TestStoreRequestValidation(t *testing.T) {
	f := newFixture(t)
	req := f.storeRequest("Apples.7z", "transfers/Apples.7z")
	req.PackageUUID = ""
	_, err := packages.StoreAIP(req)
	assert.Equal(t, "invalid_request", common.ErrorCode(err))

	config.Configuration.ObjectSizeLimit = 4
	defer func() { config.Configuration.ObjectSizeLimit = 0 }()
	req = f.storeRequest("Apples.7z", "transfers/Apples.7z")
	_, err = packages.StoreAIP(req)
	assert.Equal(t, common.ErrInvalidParameters, common.ErrorCode(err))
}

func TestReplication(t *testing.T) {
	f := newFixture(t)

	var rp *location.Location
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		rp = &location.Location{
			UUID:         uuid.NewString(),
			SpaceUUID:    f.destSpace.UUID,
			Purpose:      location.PurposeReplicator,
			RelativePath: "RP/store",
			Enabled:      true,
		}
		if err := rp.Save(ctx); err != nil {
			return err
		}
		return f.as.LinkReplicator(ctx, rp.UUID, 1)
	})
	require.NoError(t, err)

	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)
	master, err := packages.StoreAIP(req)
	require.NoError(t, err)

	// The store queued one replica per replicator.
	var replicas []*packages.Package
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		replicas, _, err = packages.SearchPackages(ctx, packages.PackageFilter{Location: rp.UUID})
		return err
	})
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, packages.StatusPending, replicas[0].Status)
	assert.Equal(t, master.UUID, replicas[0].ReplicatedPackage)

	require.NoError(t, packages.ProcessReplicaQueue(10, 1))

	replica := f.reload(t, replicas[0].UUID)
	assert.Equal(t, packages.StatusUploaded, replica.Status)
	assert.True(t, replica.IsReplica())
	got, err := os.ReadFile(f.destSpace.AbsolutePath(replica.CurrentPath))
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
	assert.Equal(t, master.PointerFilePath, replica.PointerFilePath)
	assert.Equal(t, int64(len(payload)), f.locationUsed(t, rp.UUID))
}

func TestCheckFixity(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	req := f.storeRequest("Apples.7z", srcRel)
	pkg, err := packages.StoreAIP(req)
	require.NoError(t, err)

	res, err := packages.CheckFixity(pkg.UUID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, packages.StatusVerified, f.reload(t, pkg.UUID).Status)

	// Corrupt the stored copy; the next check fails and fences the package.
	abs := f.destSpace.AbsolutePath(pkg.CurrentPath)
	require.NoError(t, os.WriteFile(abs, []byte("rotten payload!!"), 0o664))

	res, err = packages.CheckFixity(pkg.UUID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, packages.StatusFail, f.reload(t, pkg.UUID).Status)

	// Both outcomes are on record.
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		tx := datastore.GetStore().GetTransaction(ctx)
		var count int64
		if err := tx.Model(&packages.FixityLog{}).
			Where("package_uuid = ?", pkg.UUID).Count(&count).Error; err != nil {
			return err
		}
		assert.Equal(t, int64(2), count)
		return nil
	})
	require.NoError(t, err)
}

func TestMovePackage(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples_DIP.tar", payload)
	req := f.storeRequest("Apples_DIP.tar", srcRel)
	req.PackageType = packages.TypeDIP
	pkg, err := packages.StoreAIP(req)
	require.NoError(t, err)
	oldPath := pkg.CurrentPath

	var dest2 *location.Location
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		dest2 = &location.Location{
			UUID:         uuid.NewString(),
			SpaceUUID:    f.destSpace.UUID,
			Purpose:      location.PurposeDIPStorage,
			RelativePath: "DS/archive",
			Enabled:      true,
		}
		return dest2.Save(ctx)
	})
	require.NoError(t, err)

	require.NoError(t, packages.MovePackage(pkg.UUID, dest2.UUID))

	moved := f.reload(t, pkg.UUID)
	assert.Equal(t, dest2.UUID, moved.CurrentLocation)
	_, err = os.Stat(f.destSpace.AbsolutePath(moved.CurrentPath))
	assert.NoError(t, err)
	_, err = os.Stat(f.destSpace.AbsolutePath(oldPath))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, int64(0), f.locationUsed(t, f.ds.UUID))
	assert.Equal(t, int64(len(payload)), f.locationUsed(t, dest2.UUID))
}

func TestMovePackageOutOfAIPStorageRefused(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	pkg, err := packages.StoreAIP(f.storeRequest("Apples.7z", srcRel))
	require.NoError(t, err)

	err = packages.MovePackage(pkg.UUID, f.ds.UUID)
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidParameters, common.ErrorCode(err))
}

func TestRetrieve(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	pkg, err := packages.StoreAIP(f.storeRequest("Apples.7z", srcRel))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out", "Apples.7z")
	require.NoError(t, packages.Retrieve(pkg.UUID, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestReingestStatusFlow(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	pkg, err := packages.StoreAIP(f.storeRequest("Apples.7z", srcRel))
	require.NoError(t, err)

	require.NoError(t, packages.StartReingest(pkg.UUID))
	assert.Equal(t, packages.StatusFinalize, f.reload(t, pkg.UUID).Status)

	// A second start has nothing to start from.
	err = packages.StartReingest(pkg.UUID)
	assert.Equal(t, common.ErrInvalidParameters, common.ErrorCode(err))

	require.NoError(t, packages.CompleteReingest(pkg.UUID))
	assert.Equal(t, packages.StatusUploaded, f.reload(t, pkg.UUID).Status)
}

func TestDeleteFromStorage(t *testing.T) {
	f := newFixture(t)
	srcRel := f.writeSource(t, "Apples.7z", payload)
	pkg, err := packages.StoreAIP(f.storeRequest("Apples.7z", srcRel))
	require.NoError(t, err)
	abs := f.destSpace.AbsolutePath(pkg.CurrentPath)

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		loaded, err := packages.GetPackage(ctx, pkg.UUID)
		if err != nil {
			return err
		}
		return packages.DeleteFromStorage(ctx, loaded)
	})
	require.NoError(t, err)

	assert.Equal(t, packages.StatusDeleted, f.reload(t, pkg.UUID).Status)
	_, err = os.Stat(abs)
	assert.True(t, os.IsNotExist(err))
	// The uuid shard directories above it are pruned too.
	_, err = os.Stat(filepath.Dir(abs))
	assert.True(t, os.IsNotExist(err))
	// The pointer sidecar is gone.
	_, err = os.Stat(f.destSpace.AbsolutePath(pkg.PointerFilePath))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(0), f.locationUsed(t, f.as.UUID))
}
