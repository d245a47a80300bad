package location

import (
	"context"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/space"
	"gorm.io/gorm"
)

// CheckQuota reports whether size more bytes fit in the location.
func (l *Location) CheckQuota(size int64) error {
	if l.Quota > 0 && l.Used+size > l.Quota {
		return common.NewErrorf(common.ErrQuotaExceeded,
			"location %s: %d used + %d requested exceeds quota %d", l.UUID, l.Used, size, l.Quota)
	}
	return nil
}

// ReserveUsage claims size bytes in the location inside the transaction
// carried by ctx. The guard runs in the UPDATE itself, so two concurrent
// stores cannot both squeeze into the last slot. The space counter moves in
// the same transaction.
func ReserveUsage(ctx context.Context, l *Location, size int64) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	result := tx.Model(&Location{}).
		Where("uuid = ? AND (quota IS NULL OR quota = 0 OR used + ? <= quota)", l.UUID, size).
		Update("used", gorm.Expr("used + ?", size))
	if result.Error != nil {
		return common.NewErrorf(common.ErrInternal, "reserve %d bytes in %s: %v", size, l.UUID, result.Error)
	}
	if result.RowsAffected == 0 {
		return common.NewErrorf(common.ErrQuotaExceeded,
			"location %s cannot fit %d more bytes", l.UUID, size)
	}
	return space.AddUsed(ctx, l.SpaceUUID, size)
}

// ReleaseUsage returns size bytes to the location, clamping at zero.
func ReleaseUsage(ctx context.Context, l *Location, size int64) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	result := tx.Model(&Location{}).Where("uuid = ?", l.UUID).
		Update("used", gorm.Expr("CASE WHEN used >= ? THEN used - ? ELSE 0 END", size, size))
	if result.Error != nil {
		return common.NewErrorf(common.ErrInternal, "release %d bytes in %s: %v", size, l.UUID, result.Error)
	}
	return space.AddUsed(ctx, l.SpaceUUID, -size)
}
