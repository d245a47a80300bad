package packages

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var replicationDBOnce sync.Once

func setupReplicationDB(t *testing.T) {
	t.Helper()
	replicationDBOnce.Do(func() {
		gdb, err := datastore.UseInMemory()
		require.NoError(t, err)
		require.NoError(t, gdb.AutoMigrate(&Package{}))
	})
}

// A replica whose row vanished between the queue scan and the copy must fail
// cleanly with the fetch error instead of crashing the worker.
func TestReplicateMissingRowFailsCleanly(t *testing.T) {
	setupReplicationDB(t)

	replica := &Package{
		UUID:              uuid.NewString(),
		ReplicatedPackage: uuid.NewString(),
		Status:            StatusPending,
		Size:              1,
	}
	err := replicate(replica)
	require.Error(t, err)
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}
