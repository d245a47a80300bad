package space

import (
	"encoding/json"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"gorm.io/datatypes"
)

// Space is a chunk of a storage backend the service knows how to talk to.
// Locations subdivide it; all I/O against the backend goes through the
// space's adapter.
type Space struct {
	UUID           string `gorm:"column:uuid;primaryKey;size:36"`
	AccessProtocol string `gorm:"column:access_protocol;size:8;not null;index"`
	// Size is the capacity in bytes granted to this space. Zero means
	// unbounded.
	Size int64 `gorm:"column:size"`
	// Used is maintained by package stores and deletes, not by scanning.
	Used int64 `gorm:"column:used;not null;default:0"`
	// Path is the absolute root of the space inside the backend namespace.
	Path string `gorm:"column:path;not null"`
	// StagingPath is scratch storage on the storage service host for
	// transfers in flight.
	StagingPath  string           `gorm:"column:staging_path;not null"`
	Verified     bool             `gorm:"column:verified;not null;default:false"`
	LastVerified common.Timestamp `gorm:"column:last_verified;default:0"`
	// ProtoConfig carries the protocol-specific adapter settings.
	ProtoConfig datatypes.JSON `gorm:"column:proto_config"`

	datastore.ModelWithTS
}

func (Space) TableName() string {
	return "spaces"
}

// ProtoConfigMap decodes the protocol-specific settings.
func (s *Space) ProtoConfigMap() (map[string]interface{}, error) {
	cfg := map[string]interface{}{}
	if len(s.ProtoConfig) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(s.ProtoConfig, &cfg); err != nil {
		return nil, common.NewErrorf(common.ErrInvalidParameters,
			"space %s has undecodable proto_config: %v", s.UUID, err)
	}
	return cfg, nil
}
