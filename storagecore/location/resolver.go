package location

import (
	"context"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/datastore"
	"gorm.io/gorm"
)

// GetLocation fetches a location and its space by uuid.
func GetLocation(ctx context.Context, uuid string) (*Location, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	l := &Location{}
	err := tx.Preload("Space").Where("uuid = ?", uuid).Take(l).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "location %s not found", uuid)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load location %s: %v", uuid, err)
	}
	return l, nil
}

// ResolveLocation picks the location a pipeline should use for a purpose.
// Exactly one enabled candidate must exist: none is no_location_configured,
// several is ambiguous_location, and a lone disabled candidate is
// location_disabled so a misconfiguration is never silently routed around.
func ResolveLocation(ctx context.Context, pipelineUUID, purpose string) (*Location, error) {
	if purpose == PurposeStorageInternal {
		return ResolveInternal(ctx)
	}
	tx := datastore.GetStore().GetTransaction(ctx)
	var candidates []*Location
	err := tx.Preload("Space").
		Joins("JOIN location_pipelines lp ON lp.location_uuid = locations.uuid").
		Joins("JOIN pipelines p ON p.uuid = lp.pipeline_uuid AND p.enabled").
		Where("lp.pipeline_uuid = ? AND locations.purpose = ?", pipelineUUID, purpose).
		Order("locations.uuid").
		Find(&candidates).Error
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "resolve %s location: %v", purpose, err)
	}
	return pickOne(candidates, purpose)
}

// ResolveInternal returns the installation-wide storage service internal
// location. It is not pipeline-scoped.
func ResolveInternal(ctx context.Context) (*Location, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var candidates []*Location
	err := tx.Preload("Space").
		Where("purpose = ?", PurposeStorageInternal).
		Order("uuid").
		Find(&candidates).Error
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "resolve internal location: %v", err)
	}
	return pickOne(candidates, PurposeStorageInternal)
}

func pickOne(candidates []*Location, purpose string) (*Location, error) {
	var enabled []*Location
	for _, l := range candidates {
		if l.Enabled {
			enabled = append(enabled, l)
		}
	}
	switch {
	case len(enabled) == 1:
		return enabled[0], nil
	case len(enabled) > 1:
		return nil, common.NewErrorf(common.ErrAmbiguousLocation,
			"%d enabled %s locations configured, need exactly one", len(enabled), purpose)
	case len(candidates) > 0:
		return nil, common.NewErrorf(common.ErrLocationDisabled,
			"the only %s location is disabled", purpose)
	default:
		return nil, common.NewErrorf(common.ErrNoLocationConfigured,
			"no %s location configured", purpose)
	}
}

// Replicators returns the enabled replicator locations mirroring the given
// AIP storage location, in priority order.
func Replicators(ctx context.Context, locationUUID string) ([]*Location, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var reps []*Location
	err := tx.Preload("Space").
		Joins("JOIN location_replicators lr ON lr.replicator_uuid = locations.uuid").
		Where("lr.location_uuid = ? AND locations.enabled", locationUUID).
		Order("lr.priority, locations.uuid").
		Find(&reps).Error
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load replicators of %s: %v", locationUUID, err)
	}
	return reps, nil
}

// Save upserts the location row.
func (l *Location) Save(ctx context.Context) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	if err := tx.Omit("Space").Save(l).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "save location %s: %v", l.UUID, err)
	}
	return nil
}

// LinkPipeline allows a pipeline to use this location.
func (l *Location) LinkPipeline(ctx context.Context, pipelineUUID string) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	link := &LocationPipeline{LocationUUID: l.UUID, PipelineUUID: pipelineUUID}
	if err := tx.FirstOrCreate(link, link).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "link location %s to pipeline %s: %v", l.UUID, pipelineUUID, err)
	}
	return nil
}

// LinkReplicator registers a replicator for this location.
func (l *Location) LinkReplicator(ctx context.Context, replicatorUUID string, priority int) error {
	tx := datastore.GetStore().GetTransaction(ctx)
	link := &LocationReplicator{LocationUUID: l.UUID, ReplicatorUUID: replicatorUUID, Priority: priority}
	if err := tx.FirstOrCreate(link, &LocationReplicator{LocationUUID: l.UUID, ReplicatorUUID: replicatorUUID}).Error; err != nil {
		return common.NewErrorf(common.ErrInternal, "link replicator %s to %s: %v", replicatorUUID, l.UUID, err)
	}
	return nil
}
