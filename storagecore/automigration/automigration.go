// Package automigration creates table schemas with gorm's automigration,
// driven by the entity structs' fields and TableName functions.
package automigration

import (
	"github.com/openarchive/storaged/storagecore/callback"
	"github.com/openarchive/storaged/storagecore/event"
	"github.com/openarchive/storaged/storagecore/location"
	"github.com/openarchive/storaged/storagecore/packages"
	"github.com/openarchive/storaged/storagecore/pipeline"
	"github.com/openarchive/storaged/storagecore/space"
	"gorm.io/gorm"
)

type tableNameI interface {
	TableName() string
}

var tableModels = []tableNameI{
	new(space.Space),
	new(location.Location),
	new(location.LocationPipeline),
	new(location.LocationReplicator),
	new(pipeline.Pipeline),
	new(packages.Package),
	new(packages.RelatedPackage),
	new(packages.File),
	new(packages.FixityLog),
	new(event.Event),
	new(callback.Callback),
}

// AutoMigrate brings the schema up to date for all entities.
func AutoMigrate(db *gorm.DB) error {
	for _, model := range tableModels {
		if err := db.AutoMigrate(model); err != nil {
			return err
		}
	}
	return nil
}
