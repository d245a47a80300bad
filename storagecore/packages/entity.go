package packages

import (
	"encoding/json"
	"strings"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"gorm.io/datatypes"
)

// Package statuses.
const (
	StatusPending    = "PENDING"
	StatusStaging    = "STAGING"
	StatusUploaded   = "UPLOADED"
	StatusVerified   = "VERIFIED"
	StatusDelReq     = "DEL_REQ"
	StatusDeleted    = "DELETED"
	StatusRecoverReq = "RECOVER_REQ"
	StatusFail       = "FAIL"
	StatusFinalize   = "FINALIZE"
)

// Package types.
const (
	TypeAIP      = "AIP"
	TypeAIC      = "AIC"
	TypeSIP      = "SIP"
	TypeDIP      = "DIP"
	TypeTransfer = "transfer"
	TypeFile     = "file"
	TypeDeposit  = "deposit"
)

// Package is a stored unit of content and the aggregate root of the system.
type Package struct {
	UUID           string `gorm:"column:uuid;primaryKey;size:36"`
	Description    string `gorm:"column:description"`
	OriginPipeline string `gorm:"column:origin_pipeline;size:36;index"`
	// CurrentLocation/CurrentPath say where the authoritative copy lives.
	// They only ever advance after a transfer fully succeeds.
	CurrentLocation     string `gorm:"column:current_location;size:36;index"`
	CurrentPath         string `gorm:"column:current_path"`
	PointerFileLocation string `gorm:"column:pointer_file_location;size:36"`
	PointerFilePath     string `gorm:"column:pointer_file_path"`
	Size                int64  `gorm:"column:size;not null;default:0"`
	// EncryptionKeyFingerprint is set when the package landed on an
	// encrypting space.
	EncryptionKeyFingerprint string `gorm:"column:encryption_key_fingerprint"`
	// ReplicatedPackage points a replica at its master.
	ReplicatedPackage string         `gorm:"column:replicated_package;size:36;index"`
	PackageType       string         `gorm:"column:package_type;size:16;not null;index"`
	Status            string         `gorm:"column:status;size:16;not null;index"`
	MiscAttributes    datatypes.JSON `gorm:"column:misc_attributes"`

	Location *location.Location `gorm:"foreignKey:CurrentLocation;references:UUID"`
	Replicas []*Package         `gorm:"foreignKey:ReplicatedPackage;references:UUID"`

	datastore.ModelWithTS
}

func (Package) TableName() string {
	return "packages"
}

// RelatedPackage links packages derived from one another (AIC membership,
// DIPs generated from an AIP).
type RelatedPackage struct {
	PackageUUID string `gorm:"column:package_uuid;size:36;primaryKey"`
	RelatedUUID string `gorm:"column:related_uuid;size:36;primaryKey"`
}

func (RelatedPackage) TableName() string {
	return "related_packages"
}

// File is one file inside a package, indexed for the search surface.
type File struct {
	UUID          string           `gorm:"column:uuid;primaryKey;size:36"`
	PackageUUID   string           `gorm:"column:package_uuid;size:36;index"`
	Name          string           `gorm:"column:name;not null;index"`
	SourceID      string           `gorm:"column:source_id"`
	SourcePackage string           `gorm:"column:source_package"`
	Checksum      string           `gorm:"column:checksum"`
	Size          int64            `gorm:"column:size;not null;default:0"`
	FileType      string           `gorm:"column:file_type;size:16;index"`
	IngestionTime common.Timestamp `gorm:"column:ingestion_time"`
	AccessionID   string           `gorm:"column:accession_id"`
	Origin        string           `gorm:"column:origin;size:36"`
	Stored        bool             `gorm:"column:stored;not null;default:false"`
	Normalized    bool             `gorm:"column:normalized;not null;default:false"`
	Validated     bool             `gorm:"column:validated;not null;default:false"`

	datastore.ModelWithTS
}

func (File) TableName() string {
	return "files"
}

// FixityLog records one fixity check outcome.
type FixityLog struct {
	ID               int64            `gorm:"column:id;primaryKey;autoIncrement"`
	PackageUUID      string           `gorm:"column:package_uuid;size:36;index"`
	Success          bool             `gorm:"column:success;not null"`
	ErrorDetails     string           `gorm:"column:error_details"`
	DatetimeReported common.Timestamp `gorm:"column:datetime_reported;not null"`
}

func (FixityLog) TableName() string {
	return "fixity_logs"
}

// Name is the package's leaf name without shard directories.
func (p *Package) Name() string {
	if p.CurrentPath == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(p.CurrentPath, "/"), "/")
	return parts[len(parts)-1]
}

// IsReplica reports whether the package is a replica of another.
func (p *Package) IsReplica() bool {
	return p.ReplicatedPackage != ""
}

// HasPointerFile reports whether the package type carries a pointer file.
func (p *Package) HasPointerFile() bool {
	return p.PackageType == TypeAIP || p.PackageType == TypeAIC
}

// GetMiscAttribute reads one key from the misc attribute bag.
func (p *Package) GetMiscAttribute(key string) (string, bool) {
	if len(p.MiscAttributes) == 0 {
		return "", false
	}
	attrs := map[string]interface{}{}
	if err := json.Unmarshal(p.MiscAttributes, &attrs); err != nil {
		return "", false
	}
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetMiscAttribute writes one key into the misc attribute bag.
func (p *Package) SetMiscAttribute(key, value string) error {
	attrs := map[string]interface{}{}
	if len(p.MiscAttributes) > 0 {
		if err := json.Unmarshal(p.MiscAttributes, &attrs); err != nil {
			return common.NewErrorf(common.ErrInternal, "package %s misc_attributes: %v", p.UUID, err)
		}
	}
	attrs[key] = value
	buf, err := json.Marshal(attrs)
	if err != nil {
		return common.NewErrorf(common.ErrInternal, "package %s misc_attributes: %v", p.UUID, err)
	}
	p.MiscAttributes = buf
	return nil
}
