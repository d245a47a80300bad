package location

import (
	"path/filepath"
	"strings"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/space"
)

// Location purposes. A location is a slice of a space dedicated to one kind
// of traffic.
const (
	PurposeAIPRecovery         = "AR"
	PurposeAIPStorage          = "AS"
	PurposeTransferBacklog     = "BL"
	PurposeCurrentlyProcessing = "CP"
	PurposeDIPStorage          = "DS"
	PurposeSwordDeposit        = "SD"
	PurposeStorageInternal     = "SS"
	PurposeTransferSource      = "TS"
	PurposeReplicator          = "RP"
)

// PurposesDisallowedMove lists purposes whose packages must not be moved
// between locations.
var PurposesDisallowedMove = []string{PurposeTransferBacklog, PurposeAIPStorage}

// Location is a purpose-scoped slice of a space.
type Location struct {
	UUID      string `gorm:"column:uuid;primaryKey;size:36"`
	SpaceUUID string `gorm:"column:space_uuid;size:36;not null;index"`
	Purpose   string `gorm:"column:purpose;size:2;not null;index"`
	// RelativePath is the location root relative to the space root.
	RelativePath string `gorm:"column:relative_path;not null"`
	Description  string `gorm:"column:description"`
	// Quota in bytes. Zero or null means unbounded.
	Quota int64 `gorm:"column:quota"`
	// Used is maintained transactionally by the transfer engine.
	Used    int64 `gorm:"column:used;not null;default:0"`
	Enabled bool  `gorm:"column:enabled;not null;default:true"`
	// Default marks the location created by pipeline registration for its
	// purpose.
	Default bool `gorm:"column:is_default;not null;default:false"`

	Space *space.Space `gorm:"foreignKey:SpaceUUID;references:UUID"`

	datastore.ModelWithTS
}

func (Location) TableName() string {
	return "locations"
}

// LocationPipeline links a location to the pipelines allowed to use it.
type LocationPipeline struct {
	LocationUUID string `gorm:"column:location_uuid;size:36;primaryKey"`
	PipelineUUID string `gorm:"column:pipeline_uuid;size:36;primaryKey"`
}

func (LocationPipeline) TableName() string {
	return "location_pipelines"
}

// LocationReplicator links an AIP storage location to the replicator
// locations that mirror it, in priority order.
type LocationReplicator struct {
	LocationUUID   string `gorm:"column:location_uuid;size:36;primaryKey"`
	ReplicatorUUID string `gorm:"column:replicator_uuid;size:36;primaryKey"`
	Priority       int    `gorm:"column:priority;not null;default:0"`
}

func (LocationReplicator) TableName() string {
	return "location_replicators"
}

// FullPath is the location root relative to the space root, normalized.
func (l *Location) FullPath() string {
	return strings.TrimPrefix(filepath.Join("/", l.RelativePath), "/")
}

// PathTo anchors a location-relative path at the location root.
func (l *Location) PathTo(rel string) string {
	p := filepath.Join(l.FullPath(), rel)
	if strings.HasSuffix(rel, "/") && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// ReservePath computes the canonical shard path for a package in this
// location: the uuid split into 4-character directories, with a
// `<name>-<uuid>` leaf.
func ReservePath(name, uuid string) string {
	leaf := common.TrimPackageExtensions(name)
	if !strings.HasSuffix(leaf, uuid) {
		leaf = leaf + "-" + uuid
	}
	leaf += packageSuffix(name)
	return filepath.Join(common.UUIDToPath(uuid), leaf)
}

// packageSuffix preserves recognized package extensions on the leaf name.
func packageSuffix(name string) string {
	trimmed := common.TrimPackageExtensions(name)
	return strings.TrimPrefix(name, trimmed)
}
