package event_test

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
	"github.com/openarchive/storaged/storagecore/event"
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

// fixture stores one AIP the workflow tests can request deletion or recovery
// of.
type fixture struct {
	space *space.Space
	cp    *location.Location
	as    *location.Location
	ar    *location.Location
	pipe  string
	pkg   *packages.Package
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	setupDB(t)
	dir := t.TempDir()
	config.Configuration.StagingPath = filepath.Join(dir, "service-staging")

	f := &fixture{pipe: uuid.NewString()}
	_, err := pipeline.Register(&pipeline.RegisterRequest{UUID: f.pipe})
	require.NoError(t, err)

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		f.space = &space.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: "FS",
			Path:           filepath.Join(dir, "store"),
			StagingPath:    filepath.Join(dir, "staging"),
		}
		require.NoError(t, f.space.Save(ctx))
		mk := func(purpose string) *location.Location {
			l := &location.Location{
				UUID:         uuid.NewString(),
				SpaceUUID:    f.space.UUID,
				Purpose:      purpose,
				RelativePath: purpose + "/store",
				Enabled:      true,
			}
			require.NoError(t, l.Save(ctx))
			require.NoError(t, l.LinkPipeline(ctx, f.pipe))
			return l
		}
		f.cp = mk(location.PurposeCurrentlyProcessing)
		f.as = mk(location.PurposeAIPStorage)

		// The internal location is installation-wide, so retire any left
		// over from earlier fixtures before creating this one.
		tx := datastore.GetStore().GetTransaction(ctx)
		require.NoError(t, tx.Model(&location.Location{}).
			Where("purpose = ?", location.PurposeStorageInternal).
			Update("enabled", false).Error)
		mk(location.PurposeStorageInternal)
		f.ar = mk(location.PurposeAIPRecovery)
		return nil
	})
	require.NoError(t, err)

	srcRel := filepath.Join("transfers", "Apples.7z")
	abs := f.space.AbsolutePath(f.cp.PathTo(srcRel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o775))
	require.NoError(t, os.WriteFile(abs, []byte(payload), 0o664))

	f.pkg, err = packages.StoreAIP(&packages.StoreRequest{
		PackageUUID:    uuid.NewString(),
		Name:           "Apples.7z",
		PipelineUUID:   f.pipe,
		SourceLocation: f.cp.UUID,
		SourcePath:     srcRel,
		Size:           int64(len(payload)),
		Checksum:       payloadChecksum,
		ChecksumAlgo:   "sha256",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) packageStatus(t *testing.T) string {
	t.Helper()
	var status string
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		pkg, err := packages.GetPackage(ctx, f.pkg.UUID)
		if err != nil {
			return err
		}
		status = pkg.Status
		return nil
	})
	require.NoError(t, err)
	return status
}

func (f *fixture) eventStatus(t *testing.T, id int64) string {
	t.Helper()
	var status string
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		ev, err := event.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		status = ev.Status
		return nil
	})
	require.NoError(t, err)
	return status
}

func TestSubmitFencesPackage(t *testing.T) {
	f := newFixture(t)

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeDelete,
		Reason:      "duplicate ingest",
		UserID:      "archivist",
	})
	require.NoError(t, err)
	assert.Equal(t, event.StatusSubmitted, ev.Status)
	assert.Equal(t, packages.StatusUploaded, ev.StoreData)
	assert.Equal(t, packages.StatusDelReq, f.packageStatus(t))

	// A second deletion request on the same package is refused while the
	// first is open.
	_, err = event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeDelete,
	})
	assert.Equal(t, common.ErrDuplicateRequest, common.ErrorCode(err))

	// A recovery request is a different type and may coexist.
	_, err = event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeRecover,
	})
	require.NoError(t, err)
}

func TestSubmitGuards(t *testing.T) {
	f := newFixture(t)

	_, err := event.Submit(&event.SubmitRequest{PackageUUID: f.pkg.UUID, EventType: "PURGE"})
	assert.Equal(t, "invalid_request", common.ErrorCode(err))

	_, err = event.Submit(&event.SubmitRequest{EventType: event.TypeDelete})
	assert.Equal(t, "invalid_request", common.ErrorCode(err))

	_, err = event.Submit(&event.SubmitRequest{PackageUUID: uuid.NewString(), EventType: event.TypeDelete})
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}

func TestRejectRestoresSnapshot(t *testing.T) {
	f := newFixture(t)

	// Verify first so the snapshot is VERIFIED, not UPLOADED.
	_, err := packages.CheckFixity(f.pkg.UUID)
	require.NoError(t, err)

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeDelete,
	})
	require.NoError(t, err)
	assert.Equal(t, packages.StatusDelReq, f.packageStatus(t))

	require.NoError(t, event.Reject(&event.Decision{EventID: ev.ID, AdminID: "admin", Reason: "keep it"}))
	assert.Equal(t, packages.StatusVerified, f.packageStatus(t))
	assert.Equal(t, event.StatusRejected, f.eventStatus(t, ev.ID))

	// The decision is final.
	err = event.Reject(&event.Decision{EventID: ev.ID})
	assert.Equal(t, common.ErrAlreadyDecided, common.ErrorCode(err))
	err = event.Approve(&event.Decision{EventID: ev.ID})
	assert.Equal(t, common.ErrAlreadyDecided, common.ErrorCode(err))
}

func TestApproveDeletion(t *testing.T) {
	f := newFixture(t)
	abs := f.space.AbsolutePath(f.pkg.CurrentPath)

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeDelete,
	})
	require.NoError(t, err)

	require.NoError(t, event.Approve(&event.Decision{EventID: ev.ID, AdminID: "admin"}))
	assert.Equal(t, packages.StatusDeleted, f.packageStatus(t))
	assert.Equal(t, event.StatusApproved, f.eventStatus(t, ev.ID))
	_, err = os.Stat(abs)
	assert.True(t, os.IsNotExist(err))
}

func TestApproveDeletionReplicaFailureLeavesRequestOpen(t *testing.T) {
	f := newFixture(t)
	abs := f.space.AbsolutePath(f.pkg.CurrentPath)

	// A replica on an unreachable space makes the replica deletion fail
	// before the master is touched.
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		broken := &space.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: "S3",
			Path:           "/",
			StagingPath:    "/tmp",
		}
		if err := broken.Save(ctx); err != nil {
			return err
		}
		rp := &location.Location{
			UUID:         uuid.NewString(),
			SpaceUUID:    broken.UUID,
			Purpose:      location.PurposeReplicator,
			RelativePath: "RP/store",
			Enabled:      true,
		}
		if err := rp.Save(ctx); err != nil {
			return err
		}
		replica := &packages.Package{
			UUID:              uuid.NewString(),
			PackageType:       packages.TypeAIP,
			Status:            packages.StatusUploaded,
			ReplicatedPackage: f.pkg.UUID,
			CurrentLocation:   rp.UUID,
			CurrentPath:       "RP/store/replica.7z",
			Size:              int64(len(payload)),
		}
		return replica.Save(ctx)
	})
	require.NoError(t, err)

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID: f.pkg.UUID,
		EventType:   event.TypeDelete,
	})
	require.NoError(t, err)

	err = event.Approve(&event.Decision{EventID: ev.ID, AdminID: "admin"})
	require.Error(t, err)

	// Everything is as it was: package fenced, event open, content on disk.
	assert.Equal(t, packages.StatusDelReq, f.packageStatus(t))
	assert.Equal(t, event.StatusSubmitted, f.eventStatus(t, ev.ID))
	_, err = os.Stat(abs)
	assert.NoError(t, err)
}

func TestApproveRecovery(t *testing.T) {
	f := newFixture(t)

	// Corrupt the primary copy, then deposit a good replacement in the
	// recovery location under the package's shard path.
	abs := f.space.AbsolutePath(f.pkg.CurrentPath)
	require.NoError(t, os.WriteFile(abs, []byte("rotten payload!!"), 0o664))

	name := filepath.Base(f.pkg.CurrentPath)
	replacement := f.space.AbsolutePath(f.ar.PathTo(filepath.Join(common.UUIDToPath(f.pkg.UUID), name)))
	require.NoError(t, os.MkdirAll(filepath.Dir(replacement), 0o775))
	require.NoError(t, os.WriteFile(replacement, []byte(payload), 0o664))

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID:  f.pkg.UUID,
		EventType:    event.TypeRecover,
		PipelineUUID: f.pipe,
	})
	require.NoError(t, err)
	assert.Equal(t, packages.StatusRecoverReq, f.packageStatus(t))

	require.NoError(t, event.Approve(&event.Decision{EventID: ev.ID, AdminID: "admin"}))
	assert.Equal(t, packages.StatusUploaded, f.packageStatus(t))
	assert.Equal(t, event.StatusApproved, f.eventStatus(t, ev.ID))

	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	// The pre-recovery copy was backed up before being overwritten.
	backup := f.space.AbsolutePath(f.ar.PathTo(filepath.Join(common.UUIDToPath(f.pkg.UUID), "backup", name)))
	backed, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "rotten payload!!", string(backed))
}

func TestApproveRecoveryBadReplacement(t *testing.T) {
	f := newFixture(t)
	abs := f.space.AbsolutePath(f.pkg.CurrentPath)

	name := filepath.Base(f.pkg.CurrentPath)
	replacement := f.space.AbsolutePath(f.ar.PathTo(filepath.Join(common.UUIDToPath(f.pkg.UUID), name)))
	require.NoError(t, os.MkdirAll(filepath.Dir(replacement), 0o775))
	require.NoError(t, os.WriteFile(replacement, []byte("not the package!"), 0o664))

	ev, err := event.Submit(&event.SubmitRequest{
		PackageUUID:  f.pkg.UUID,
		EventType:    event.TypeRecover,
		PipelineUUID: f.pipe,
	})
	require.NoError(t, err)

	err = event.Approve(&event.Decision{EventID: ev.ID, AdminID: "admin"})
	require.Error(t, err)
	assert.Equal(t, common.ErrChecksumMismatch, common.ErrorCode(err))

	// The bad replacement touched nothing: primary intact, request open.
	assert.Equal(t, packages.StatusRecoverReq, f.packageStatus(t))
	assert.Equal(t, event.StatusSubmitted, f.eventStatus(t, ev.ID))
	got, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}
