package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/openarchive/storaged/core/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCommand struct {
	name string
	args []string
	env  []string
}

func fakeRunner(out string, err error, calls *[]recordedCommand) runFunc {
	return func(ctx context.Context, env []string, name string, args ...string) (string, error) {
		*calls = append(*calls, recordedCommand{name: name, args: args, env: env})
		return out, err
	}
}

func TestPipelineLocalRemoteSpec(t *testing.T) {
	a := &pipelineLocalAdapter{cfg: PipelineLocalConfig{RemoteUser: "archivematica", RemoteName: "pipeline.local"}}
	assert.Equal(t, "archivematica@pipeline.local:/var/archivematica/sharedDirectory/x", a.remote("/var/archivematica/sharedDirectory/x"))

	a.cfg.AssumeRsyncDaemonDest = true
	assert.Equal(t, "archivematica@pipeline.local::shared/x", a.remote("/shared/x"))
}

func TestPipelineLocalInstallRunsMkdirThenRsync(t *testing.T) {
	var calls []recordedCommand
	a := &pipelineLocalAdapter{
		cfg: PipelineLocalConfig{RemoteUser: "am", RemoteName: "host", RsyncPassword: "secret"},
		run: fakeRunner("", nil, &calls),
	}
	err := a.MoveFromStorageService(context.Background(), "/staging/bag/", "/shared/restore/bag/", nil)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "ssh", calls[0].name)
	assert.Equal(t, []string{"am@host", "mkdir", "-p", "'/shared/restore'"}, calls[0].args)

	assert.Equal(t, "rsync", calls[1].name)
	assert.Equal(t, "/staging/bag/", calls[1].args[len(calls[1].args)-2])
	assert.Equal(t, "am@host:/shared/restore/bag/", calls[1].args[len(calls[1].args)-1])
	assert.Contains(t, calls[1].env, "RSYNC_PASSWORD=secret")
}

func TestPipelineLocalBrowseParsesListing(t *testing.T) {
	out := strings.Join([]string{
		"drwxr-xr-x          4,096 2025/01/02 12:34:56 .",
		"drwxr-xr-x          4,096 2025/01/02 12:34:56 completed",
		"-rw-r--r--      1,048,576 2025/03/04 01:02:03 transfer.tar.gz",
		"-rw-r--r--             12 2025/03/04 01:02:03 .hidden",
		"",
	}, "\n")
	var calls []recordedCommand
	a := &pipelineLocalAdapter{
		cfg: PipelineLocalConfig{RemoteUser: "am", RemoteName: "host"},
		run: fakeRunner(out, nil, &calls),
	}
	l, err := a.Browse(context.Background(), "/shared/watched")
	require.NoError(t, err)
	require.Len(t, l.Entries, 2)
	assert.Equal(t, "completed", l.Entries[0].Name)
	assert.True(t, l.Entries[0].Directory)
	assert.Equal(t, "transfer.tar.gz", l.Entries[1].Name)
	assert.Equal(t, int64(1048576), l.Entries[1].Size)
}

func TestPipelineLocalDeleteMissing(t *testing.T) {
	var calls []recordedCommand
	a := &pipelineLocalAdapter{
		cfg: PipelineLocalConfig{RemoteUser: "am", RemoteName: "host"},
		run: fakeRunner("", common.NewError(common.ErrBackendUnavailable, "ssh failed"), &calls),
	}
	err := a.DeletePath(context.Background(), "/shared/gone")
	assert.Equal(t, common.ErrNotFound, common.ErrorCode(err))
}
