package backend

import (
	"context"
	"testing"

	"github.com/openarchive/storaged/core/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRcloneRemoteSpec(t *testing.T) {
	a := &rcloneAdapter{cfg: RcloneConfig{RemoteName: "offsite"}}
	assert.Equal(t, "offsite:aips/bag.7z", a.remote("/aips/bag.7z"))

	a.cfg.ContainerName = "preservation"
	assert.Equal(t, "offsite:preservation/aips/bag.7z", a.remote("/aips/bag.7z"))
}

func TestRcloneCopyCommands(t *testing.T) {
	var calls []recordedCommand
	a := &rcloneAdapter{cfg: RcloneConfig{RemoteName: "offsite"}, run: fakeRunner("", nil, &calls)}
	ctx := context.Background()

	require.NoError(t, a.MoveFromStorageService(ctx, "/staging/bag.7z", "/aips/bag.7z", nil))
	require.NoError(t, a.MoveFromStorageService(ctx, "/staging/bag/", "/aips/bag/", nil))
	require.NoError(t, a.MoveToStorageService(ctx, "/aips/bag.7z", "/staging/bag.7z", nil))

	require.Len(t, calls, 3)
	assert.Equal(t, []string{"copyto", "/staging/bag.7z", "offsite:aips/bag.7z"}, calls[0].args)
	assert.Equal(t, []string{"copy", "/staging/bag", "offsite:aips/bag/"}, calls[1].args)
	assert.Equal(t, []string{"copyto", "offsite:aips/bag.7z", "/staging/bag.7z"}, calls[2].args)
}

func TestRcloneDeleteMissing(t *testing.T) {
	var calls []recordedCommand
	a := &rcloneAdapter{
		cfg: RcloneConfig{RemoteName: "offsite"},
		run: fakeRunner("", common.NewError(common.ErrBackendUnavailable, "lsjson failed"), &calls),
	}
	err := a.DeletePath(context.Background(), "/aips/gone.7z")
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}

func TestRcloneBrowseParsesLsjson(t *testing.T) {
	out := `[
		{"Name":"bag.7z","Size":1024,"ModTime":"2025-03-04T01:02:03Z","IsDir":false},
		{"Name":"completed","Size":-1,"ModTime":"2025-03-04T01:02:03Z","IsDir":true},
		{"Name":".cache","Size":0,"ModTime":"2025-03-04T01:02:03Z","IsDir":false}
	]`
	var calls []recordedCommand
	a := &rcloneAdapter{cfg: RcloneConfig{RemoteName: "offsite"}, run: fakeRunner(out, nil, &calls)}

	l, err := a.Browse(context.Background(), "/aips/")
	require.NoError(t, err)
	require.Len(t, l.Entries, 2)
	assert.Equal(t, "bag.7z", l.Entries[0].Name)
	assert.Equal(t, int64(1024), l.Entries[0].Size)
	assert.Equal(t, "completed", l.Entries[1].Name)
	assert.True(t, l.Entries[1].Directory)
}
