package callback

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"go.uber.org/zap"
)

// Callback events.
const (
	EventPostStoreAIP      = "post_store_aip"
	EventPostStoreAIC      = "post_store_aic"
	EventPostStoreDIP      = "post_store_dip"
	EventPostDeletePackage = "post_delete_package"
)

// Placeholders substituted into URI and body before dispatch.
const (
	PlaceholderPackageUUID = "<package_uuid>"
	PlaceholderPackageName = "<package_name>"
)

// Callback is an operator-configured HTTP hook fired after package
// lifecycle events.
type Callback struct {
	UUID           string `gorm:"column:uuid;primaryKey;size:36"`
	URI            string `gorm:"column:uri;not null"`
	Event          string `gorm:"column:event;size:32;not null;index"`
	Method         string `gorm:"column:method;size:8;not null;default:POST"`
	Body           string `gorm:"column:body"`
	ContentType    string `gorm:"column:content_type;default:application/json"`
	ExpectedStatus int    `gorm:"column:expected_status;not null;default:200"`
	Enabled        bool   `gorm:"column:enabled;not null;default:true"`

	datastore.ModelWithTS
}

func (Callback) TableName() string {
	return "callbacks"
}

// ForEvent returns the enabled callbacks registered for an event.
func ForEvent(ctx context.Context, event string) ([]*Callback, error) {
	tx := datastore.GetStore().GetTransaction(ctx)
	var cbs []*Callback
	if err := tx.Where("event = ? AND enabled", event).Order("uuid").Find(&cbs).Error; err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "load callbacks for %s: %v", event, err)
	}
	return cbs, nil
}

// Execute fires the callback with placeholders substituted. A response
// outside the expected status is an error; the caller decides whether that
// matters.
func (c *Callback) Execute(ctx context.Context, packageUUID, packageName string) error {
	replacer := strings.NewReplacer(
		PlaceholderPackageUUID, packageUUID,
		PlaceholderPackageName, packageName,
	)
	uri := replacer.Replace(c.URI)
	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(replacer.Replace(c.Body))
	}
	method := c.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return common.NewErrorf(common.ErrInvalidParameters, "callback %s: %v", c.UUID, err)
	}
	if c.Body != "" {
		ct := c.ContentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	client := &http.Client{Timeout: config.Configuration.CallbackTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "callback %s to %s: %v", c.UUID, uri, err)
	}
	defer resp.Body.Close()
	if c.ExpectedStatus != 0 && resp.StatusCode != c.ExpectedStatus {
		return common.NewErrorf(common.ErrBackendUnavailable,
			"callback %s to %s: got %s, want %d", c.UUID, uri, resp.Status, c.ExpectedStatus)
	}
	return nil
}

// FireForEvent runs every enabled callback for the event, best effort.
// Failures are logged and never propagate to the triggering operation.
func FireForEvent(ctx context.Context, event, packageUUID, packageName string) {
	cbs, err := ForEvent(ctx, event)
	if err != nil {
		logging.Logger.Warn("cannot load callbacks", zap.String("event", event), zap.Error(err))
		return
	}
	for _, cb := range cbs {
		cb := cb
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), config.Configuration.CallbackTimeout+time.Second)
			defer cancel()
			if err := cb.Execute(cctx, packageUUID, packageName); err != nil {
				logging.Logger.Warn("callback failed",
					zap.String("callback", cb.UUID),
					zap.String("event", event),
					zap.String("package", packageUUID),
					zap.Error(err))
			}
		}()
	}
}

// Notify posts the approval-workflow outcome to uri, best effort with basic
// auth when credentials are supplied.
func Notify(ctx context.Context, uri, user, password string, payload io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, payload)
	if err != nil {
		return common.NewErrorf(common.ErrInvalidParameters, "notification to %s: %v", uri, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	client := &http.Client{Timeout: config.Configuration.CallbackTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "notification to %s: %v", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return common.NewErrorf(common.ErrBackendUnavailable, "notification to %s: %s", uri, resp.Status)
	}
	return nil
}
