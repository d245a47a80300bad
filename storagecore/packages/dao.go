package packages

import (
	"context"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetPackage fetches a package with its current location and space.
func GetPackage(ctx context.Context, uuid string) (*Package, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	p := &Package{}
	err := tx.Preload("Location").Preload("Location.Space").
		Where("uuid = ?", uuid).Take(p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "package %s not found", uuid)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load package %s: %v", uuid, err)
	}
	return p, nil
}

// GetPackageForUpdate fetches a package holding a row lock for the rest of
// the transaction, serializing mutating operations per package. SQLite has no
// row locks, its single writer gives the same guarantee.
func GetPackageForUpdate(ctx context.Context, uuid string) (*Package, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	if tx.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	p := &Package{}
	err := tx.Where("uuid = ?", uuid).Take(p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "package %s not found", uuid)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "lock package %s: %v", uuid, err)
	}
	return p, nil
}

// Save upserts the package row.
func (p *Package) Save(ctx context.Context) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	if err := tx.Omit("Location", "Replicas").Save(p).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "save package %s: %v", p.UUID, err)
	}
	return nil
}

// UpdateColumns applies a partial update to the package row.
func (p *Package) UpdateColumns(ctx context.Context, values map[string]interface{}) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	if err := tx.Model(&Package{}).Where("uuid = ?", p.UUID).Updates(values).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "update package %s: %v", p.UUID, err)
	}
	return nil
}

// Relate records a relationship edge between two packages.
func Relate(ctx context.Context, packageUUID, relatedUUID string) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	edge := &RelatedPackage{PackageUUID: packageUUID, RelatedUUID: relatedUUID}
	if err := tx.FirstOrCreate(edge, edge).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "relate %s to %s: %v", packageUUID, relatedUUID, err)
	}
	return nil
}

// PackageFilter narrows package searches. Zero values mean no constraint.
type PackageFilter struct {
	UUID        string
	PackageType string
	Status      string
	Location    string
	Pipeline    string
	Description string
	Limit       int
	Offset      int
}

// SearchPackages returns matching packages and the total match count.
func SearchPackages(ctx context.Context, f PackageFilter) ([]*Package, int64, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	q := tx.Model(&Package{})
	if f.UUID != "" {
		q = q.Where("uuid = ?", f.UUID)
	}
	if f.PackageType != "" {
		q = q.Where("package_type = ?", f.PackageType)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Location != "" {
		q = q.Where("current_location = ?", f.Location)
	}
	if f.Pipeline != "" {
		q = q.Where("origin_pipeline = ?", f.Pipeline)
	}
	if f.Description != "" {
		q = q.Where("description LIKE ?", "%"+f.Description+"%")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, common.NewErrorf(common.ErrInternal, "count packages: %v", err)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*Package
	if err := q.Order("uuid").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, common.NewErrorf(common.ErrInternal, "search packages: %v", err)
	}
	return out, total, nil
}

// FileFilter narrows file searches.
type FileFilter struct {
	UUID           string
	PackageUUID    string
	FileType       string
	Name           string
	MinSize        int64
	MaxSize        int64
	IngestedAfter  common.Timestamp
	IngestedBefore common.Timestamp
	Limit          int
	Offset         int
}

// SearchFiles returns matching files and the total match count.
func SearchFiles(ctx context.Context, f FileFilter) ([]*File, int64, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	q := tx.Model(&File{})
	if f.UUID != "" {
		q = q.Where("uuid = ?", f.UUID)
	}
	if f.PackageUUID != "" {
		q = q.Where("package_uuid = ?", f.PackageUUID)
	}
	if f.FileType != "" {
		q = q.Where("file_type = ?", f.FileType)
	}
	if f.Name != "" {
		q = q.Where("name LIKE ?", "%"+f.Name+"%")
	}
	if f.MinSize > 0 {
		q = q.Where("size >= ?", f.MinSize)
	}
	if f.MaxSize > 0 {
		q = q.Where("size <= ?", f.MaxSize)
	}
	if f.IngestedAfter > 0 {
		q = q.Where("ingestion_time >= ?", f.IngestedAfter)
	}
	if f.IngestedBefore > 0 {
		q = q.Where("ingestion_time <= ?", f.IngestedBefore)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, common.NewErrorf(common.ErrInternal, "count files: %v", err)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []*File
	if err := q.Order("uuid").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, common.NewErrorf(common.ErrInternal, "search files: %v", err)
	}
	return out, total, nil
}
