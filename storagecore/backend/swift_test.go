package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ncw/swift/swifttest"
	"github.com/openarchive/storaged/core/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSwiftAdapter(t *testing.T) *swiftAdapter {
	t.Helper()
	srv, err := swifttest.NewSwiftServer("localhost")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	a, err := New(ProtocolSwift, map[string]interface{}{
		"auth_url":  srv.AuthURL,
		"username":  swifttest.TEST_ACCOUNT,
		"password":  swifttest.TEST_ACCOUNT,
		"container": "preservation",
	})
	require.NoError(t, err)
	sa := a.(*swiftAdapter)
	require.NoError(t, sa.conn.Authenticate())
	require.NoError(t, sa.conn.ContainerCreate("preservation", nil))
	return sa
}

func TestSwiftRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newSwiftAdapter(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "bag.7z")
	writeFile(t, src, "payload")
	require.NoError(t, a.MoveFromStorageService(ctx, src, "/aips/bag.7z", nil))

	out := filepath.Join(dir, "out", "bag.7z")
	require.NoError(t, a.MoveToStorageService(ctx, "/aips/bag.7z", out, nil))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	require.NoError(t, a.DeletePath(ctx, "/aips/bag.7z"))
	err = a.DeletePath(ctx, "/aips/bag.7z")
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}

func TestSwiftDirectoryUpload(t *testing.T) {
	ctx := context.Background()
	a := newSwiftAdapter(t)
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "bag", "data", "object.tif"), "pixels")
	writeFile(t, filepath.Join(dir, "bag", "bagit.txt"), "BagIt-Version: 0.97")
	require.NoError(t, a.MoveFromStorageService(ctx, filepath.Join(dir, "bag")+"/", "/aips/bag/", nil))

	names, err := a.namesUnder("/aips/bag")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aips/bag/bagit.txt", "aips/bag/data/object.tif"}, names)

	// Promotion moves staged objects, so nothing lingers under the hidden
	// upload prefix.
	leftover, err := a.namesUnder("/aips/.inflight-bag")
	require.NoError(t, err)
	assert.Empty(t, leftover)

	out := filepath.Join(dir, "out")
	require.NoError(t, a.MoveToStorageService(ctx, "/aips/bag/", out, nil))
	got, err := os.ReadFile(filepath.Join(out, "data", "object.tif"))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))
}

func TestSwiftBrowse(t *testing.T) {
	ctx := context.Background()
	a := newSwiftAdapter(t)

	put := func(name, body string) {
		require.NoError(t, a.conn.ObjectPutString("preservation", name, body, ""))
	}
	put("aips/bag.7z", "payload")
	put("aips/completed/old.7z", "payload")

	l, err := a.Browse(ctx, "/aips/")
	require.NoError(t, err)
	require.Len(t, l.Entries, 2)
	assert.Equal(t, "bag.7z", l.Entries[0].Name)
	assert.Equal(t, int64(7), l.Entries[0].Size)
	assert.Equal(t, "completed", l.Entries[1].Name)
	assert.True(t, l.Entries[1].Directory)
}

func TestSwiftMissingObject(t *testing.T) {
	ctx := context.Background()
	a := newSwiftAdapter(t)
	err := a.MoveToStorageService(ctx, "/aips/gone.7z", filepath.Join(t.TempDir(), "gone.7z"), nil)
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}

func TestSwiftConfigValidation(t *testing.T) {
	_, err := New(ProtocolSwift, map[string]interface{}{"container": "preservation"})
	assert.Equal(t, common.ErrInvalidParameters, common.ErrorCode(err))
}
