package event

import (
	"github.com/openarchive/storaged/storagecore/datastore"
)

// Event types.
const (
	TypeDelete  = "DELETE"
	TypeRecover = "RECOVER"
)

// Event statuses.
const (
	StatusSubmitted = "SUBMITTED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
)

// Event is a pending administrative request against a package: deletion or
// recovery. Destructive operations only proceed once an administrator
// approves the event.
type Event struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	PackageUUID string `gorm:"column:package_uuid;size:36;not null;index"`
	EventType   string `gorm:"column:event_type;size:8;not null"`
	EventReason string `gorm:"column:event_reason"`
	// Pipeline and user identify who asked.
	PipelineUUID string `gorm:"column:pipeline_uuid;size:36"`
	UserID       string `gorm:"column:user_id"`
	UserEmail    string `gorm:"column:user_email"`
	Status       string `gorm:"column:status;size:16;not null;index"`
	StatusReason string `gorm:"column:status_reason"`
	AdminID      string `gorm:"column:admin_id"`
	StatusTime   int64  `gorm:"column:status_time"`
	// StoreData snapshots the package's status at submission so a rejection
	// can put it back exactly.
	StoreData string `gorm:"column:store_data"`

	datastore.ModelWithTS
}

func (Event) TableName() string {
	return "events"
}
