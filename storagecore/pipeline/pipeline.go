package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pipeline is a processing system (an Archivematica-style install) the
// storage service serves.
type Pipeline struct {
	UUID        string `gorm:"column:uuid;primaryKey;size:36"`
	Description string `gorm:"column:description"`
	RemoteName  string `gorm:"column:remote_name"`
	APIUsername string `gorm:"column:api_username"`
	APIKey      string `gorm:"column:api_key"`
	Enabled     bool   `gorm:"column:enabled;not null;default:true"`

	datastore.ModelWithTS
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// DefaultLocation describes one location to create or attach during
// registration.
type DefaultLocation struct {
	Purpose string
	// ExistingUUID attaches an already-configured location instead of
	// creating one.
	ExistingUUID string
	// SpaceUUID and RelativePath create a fresh location when no existing
	// one is given. RelativePath defaults to `<purpose>/<pipeline-uuid>`.
	SpaceUUID    string
	RelativePath string
	Quota        int64
	Description  string
}

// DefaultLocations is the explicit per-registration policy: which locations
// a new pipeline gets out of the box.
type DefaultLocations struct {
	Locations []DefaultLocation
}

// RegisterRequest registers or re-registers a pipeline.
type RegisterRequest struct {
	UUID        string
	Description string
	RemoteName  string
	APIUsername string
	APIKey      string
	Defaults    DefaultLocations
}

// Register creates the pipeline row and its default locations in one
// transaction. Re-registering an existing pipeline updates its row and adds
// any missing default locations; locations are never removed here.
func Register(req *RegisterRequest) (*Pipeline, error) {
	if req.UUID == "" {
		return nil, common.InvalidRequest("pipeline uuid is required")
	}
	p := &Pipeline{
		UUID:        req.UUID,
		Description: req.Description,
		RemoteName:  req.RemoteName,
		APIUsername: req.APIUsername,
		APIKey:      req.APIKey,
		Enabled:     true,
	}
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		tx := datastore.GetStore().GetTransaction(ctx)
		if err := tx.Save(p).Error; err != nil {
			return common.NewErrorf(common.ErrInternal, "save pipeline %s: %v", p.UUID, err)
		}
		for _, def := range req.Defaults.Locations {
			if err := applyDefault(ctx, p, def); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Logger.Info("pipeline registered",
		zap.String("pipeline", p.UUID), zap.String("remote", p.RemoteName))
	return p, nil
}

func applyDefault(ctx context.Context, p *Pipeline, def DefaultLocation) error {
	if def.ExistingUUID != "" {
		loc, err := location.GetLocation(ctx, def.ExistingUUID)
		if err != nil {
			return err
		}
		return loc.LinkPipeline(ctx, p.UUID)
	}
	if def.SpaceUUID == "" {
		return common.NewErrorf(common.ErrInvalidParameters,
			"default %s location needs a space or an existing location", def.Purpose)
	}
	rel := def.RelativePath
	if rel == "" {
		rel = def.Purpose + "/" + p.UUID
	}
	tx := datastore.GetStore().GetTransaction(ctx)
	loc := &location.Location{}
	err := tx.Where("space_uuid = ? AND purpose = ? AND relative_path = ?",
		def.SpaceUUID, def.Purpose, rel).Take(loc).Error
	if err == gorm.ErrRecordNotFound {
		loc = &location.Location{
			UUID:         uuid.NewString(),
			SpaceUUID:    def.SpaceUUID,
			Purpose:      def.Purpose,
			RelativePath: rel,
			Description:  def.Description,
			Quota:        def.Quota,
			Enabled:      true,
			Default:      true,
		}
		if err := loc.Save(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return common.NewErrorf(common.ErrInternal, "find default %s location: %v", def.Purpose, err)
	}
	return loc.LinkPipeline(ctx, p.UUID)
}

// GetPipeline fetches a pipeline by uuid.
func GetPipeline(ctx context.Context, uuid string) (*Pipeline, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	p := &Pipeline{}
	err := tx.Where("uuid = ?", uuid).Take(p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, common.NewErrorf(common.ErrNotFound, "pipeline %s not found", uuid)
	}
	if err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load pipeline %s: %v", uuid, err)
	}
	return p, nil
}

// ListPipelines returns all pipelines.
func ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var out []*Pipeline
	if err := tx.Order("uuid").Find(&out).Error; err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "list pipelines: %v", err)
	}
	return out, nil
}
