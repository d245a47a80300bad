package space

import (
	"context"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"gorm.io/gorm"
)

// GetSpace fetches a space by uuid within the transaction carried by ctx.
func GetSpace(ctx context.Context, uuid string) (*Space, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	s := &Space{}
	err := tx.Where("uuid = ?", uuid).Take(s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "space %s not found", uuid)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load space %s: %v", uuid, err)
	}
	return s, nil
}

// ListSpaces returns all spaces, optionally filtered by protocol.
func ListSpaces(ctx context.Context, protocol string) ([]*Space, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var spaces []*Space
	q := tx.Order("uuid")
	if protocol != "" {
		q = q.Where("access_protocol = ?", protocol)
	}
	if err := q.Find(&spaces).Error; err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "list spaces: %v", err)
	}
	return spaces, nil
}

// Save upserts the space row.
func (s *Space) Save(ctx context.Context) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	if err := tx.Save(s).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "save space %s: %v", s.UUID, err)
	}
	return nil
}

// AddUsed adjusts the space's used counter by delta in a single SQL update,
// so concurrent stores never lose increments. Decrements floor at zero, the
// same clamp the location counter gets.
func AddUsed(ctx context.Context, uuid string, delta int64) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	result := tx.Model(&Space{}).Where("uuid = ?", uuid).
		Update("used", gorm.Expr("CASE WHEN used + ? >= 0 THEN used + ? ELSE 0 END", delta, delta))
	if result.Error != nil {
		return common.NewErrorf(common.ErrInternal, "update space %s usage: %v", uuid, result.Error)
	}
	if result.RowsAffected == 0 {
		return common.NewErrorf(common.ErrNotFound, "space %s not found", uuid)
	}
	return nil
}
