package backend

import (
	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
)

func init() {
	Register(ProtocolNFS, func(cfg map[string]interface{}) (Adapter, error) {
		var c NFSConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad nfs config: %v", err)
		}
		return &nfsAdapter{localAdapter{readOnly: c.ReadOnly}, c}, nil
	})
}

// NFSConfig describes an NFS export mounted on the storage service host. The
// remote coordinates are recorded for operators; all I/O goes through the
// mount point, so the adapter behaves exactly like a local filesystem.
type NFSConfig struct {
	RemoteName string `mapstructure:"remote_name"`
	RemotePath string `mapstructure:"remote_path"`
	Version    string `mapstructure:"version"`
	ReadOnly   bool   `mapstructure:"read_only"`
}

type nfsAdapter struct {
	localAdapter
	cfg NFSConfig
}
