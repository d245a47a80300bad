package event

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/callback"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/packages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SubmitRequest asks for a deletion or recovery of a package. At most one
// SUBMITTED event of each type may exist per package; the package flips to
// the matching request status so its content is fenced off while the event
// is open.
type SubmitRequest struct {
	PackageUUID  string
	EventType    string
	Reason       string
	PipelineUUID string
	UserID       string
	UserEmail    string
}

func (r *SubmitRequest) requestStatus() string {
	if r.EventType == TypeRecover {
		return packages.StatusRecoverReq
	}
	return packages.StatusDelReq
}

// Submit records the request and fences the package.
func Submit(req *SubmitRequest) (*Event, error) {
	if req.EventType != TypeDelete && req.EventType != TypeRecover {
		return nil, common.InvalidRequest("event type must be DELETE or RECOVER")
	}
	if req.PackageUUID == "" {
		return nil, common.InvalidRequest("package uuid is required")
	}
	var ev *Event
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		pkg, err := packages.GetPackageForUpdate(ctx, req.PackageUUID)
		if err != nil {
			return err
		}
		switch pkg.Status {
		case packages.StatusDeleted:
			return common.NewErrorf(common.ErrNotFound, "package %s is already deleted", pkg.UUID)
		case packages.StatusPending, packages.StatusStaging:
			return common.NewErrorf(common.ErrInvalidParameters,
				"package %s is still being stored", pkg.UUID)
		}
		tx := datastore.GetStore().GetTransaction(ctx)
		var open int64
		err = tx.Model(&Event{}).
			Where("package_uuid = ? AND event_type = ? AND status = ?",
				req.PackageUUID, req.EventType, StatusSubmitted).
			Count(&open).Error
		if err != nil {
			return common.NewErrorf(common.ErrInternal, "check open events: %v", err)
		}
		if open > 0 {
			return common.NewErrorf(common.ErrDuplicateRequest,
				"package %s already has a pending %s request", req.PackageUUID, req.EventType)
		}
		ev = &Event{
			PackageUUID:  req.PackageUUID,
			EventType:    req.EventType,
			EventReason:  req.Reason,
			PipelineUUID: req.PipelineUUID,
			UserID:       req.UserID,
			UserEmail:    req.UserEmail,
			Status:       StatusSubmitted,
			StoreData:    pkg.Status,
		}
		if err := tx.Create(ev).Error; err != nil {
			return common.NewErrorf(common.ErrInternal, "create event: %v", err)
		}
		return pkg.UpdateColumns(ctx, map[string]interface{}{"status": req.requestStatus()})
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetEvent fetches an event by id.
func GetEvent(ctx context.Context, id int64) (*Event, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	ev := &Event{}
	err := tx.Where("id = ?", id).Take(ev).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "event %d not found", id)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load event %d: %v", id, err)
	}
	return ev, nil
}

// Decision carries an administrator's verdict on an event.
type Decision struct {
	EventID int64
	AdminID string
	Reason  string
}

// Reject closes the event and restores the package to the status snapshotted
// at submission.
func Reject(d *Decision) error {
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		ev, err := GetEvent(ctx, d.EventID)
		if err != nil {
			return err
		}
		if ev.Status != StatusSubmitted {
			return common.NewErrorf(common.ErrAlreadyDecided,
				"event %d is already %s", ev.ID, ev.Status)
		}
		pkg, err := packages.GetPackageForUpdate(ctx, ev.PackageUUID)
		if err != nil {
			return err
		}
		if err := pkg.UpdateColumns(ctx, map[string]interface{}{"status": ev.StoreData}); err != nil {
			return err
		}
		return closeEvent(ctx, ev, StatusRejected, d)
	})
	if err != nil {
		return err
	}
	notify(d.EventID, "request rejected", false)
	return nil
}

// Approve executes the requested operation. A deletion that cannot reach the
// backend leaves the event open and the package fenced, so the request can
// be retried once the backend is back.
func Approve(d *Decision) error {
	var ev *Event
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		ev, err = GetEvent(ctx, d.EventID)
		if err != nil {
			return err
		}
		if ev.Status != StatusSubmitted {
			return common.NewErrorf(common.ErrAlreadyDecided,
				"event %d is already %s", ev.ID, ev.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ev.EventType == TypeRecover {
		err = approveRecovery(ev, d)
	} else {
		err = approveDeletion(ev, d)
	}
	if err != nil {
		return err
	}
	notify(d.EventID, "request approved", true)
	return nil
}

func approveDeletion(ev *Event, d *Decision) error {
	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		pkg, err := packages.GetPackageForUpdate(ctx, ev.PackageUUID)
		if err != nil {
			return err
		}
		if pkg.Status != packages.StatusDelReq {
			return common.NewErrorf(common.ErrInvalidParameters,
				"package %s is %s, not awaiting deletion", pkg.UUID, pkg.Status)
		}
		// Replicas go first; a replica failure aborts before the master row
		// or content is touched.
		tx := datastore.GetStore().GetTransaction(ctx)
		var replicas []*packages.Package
		if err := tx.Where("replicated_package = ?", pkg.UUID).Find(&replicas).Error; err != nil {
			return common.NewErrorf(common.ErrInternal, "load replicas of %s: %v", pkg.UUID, err)
		}
		for _, replica := range replicas {
			if replica.Status == packages.StatusDeleted {
				continue
			}
			if err := packages.DeleteFromStorage(ctx, replica); err != nil {
				return err
			}
		}
		if err := packages.DeleteFromStorage(ctx, pkg); err != nil {
			return err
		}
		if err := closeEvent(ctx, ev, StatusApproved, d); err != nil {
			return err
		}
		callback.FireForEvent(ctx, callback.EventPostDeletePackage, pkg.UUID, pkg.Name())
		return nil
	})
}

func closeEvent(ctx context.Context, ev *Event, status string, d *Decision) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	err := tx.Model(&Event{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
		"status":        status,
		"status_reason": d.Reason,
		"admin_id":      d.AdminID,
		"status_time":   common.Now(),
	}).Error
	if err != nil {
		return common.NewErrorf(common.ErrInternal, "close event %d: %v", ev.ID, err)
	}
	return nil
}

// notify posts the decision to the configured endpoint, best effort.
func notify(eventID int64, message string, success bool) {
	url := config.Configuration.CallbackURL
	if url == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event_id": eventID,
		"message":  message,
		"success":  success,
	})
	if err != nil {
		return
	}
	timeout := config.Configuration.CallbackTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err = callback.Notify(ctx, url,
		config.Configuration.CallbackUser, config.Configuration.CallbackPassword,
		bytes.NewReader(payload))
	if err != nil {
		logging.Logger.Warn("decision notification failed",
			zap.Int64("event", eventID), zap.Error(err))
	}
}
