package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gorilla/mux"
	"github.com/lithammer/shortuuid/v3"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/backend"
	"github.com/openarchive/storaged/storagecore/config"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/event"
	"github.com/openarchive/storaged/storagecore/location"
	"github.com/openarchive/storaged/storagecore/packages"
	"github.com/openarchive/storaged/storagecore/pipeline"
)

var apiLimiter *limiter.Limiter

// SetupHandlers wires the API routes onto the router.
func SetupHandlers(r *mux.Router) {
	rps := config.Configuration.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	apiLimiter = tollbooth.NewLimiter(rps, nil)

	r.HandleFunc("/v1/packages", rateLimit(WithJSON(StorePackageHandler))).Methods(http.MethodPost)
	r.HandleFunc("/v1/packages", rateLimit(WithJSON(SearchPackagesHandler))).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{uuid}", rateLimit(WithJSON(GetPackageHandler))).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{uuid}/download", rateLimit(DownloadPackageHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{uuid}/move", rateLimit(WithJSON(MovePackageHandler))).Methods(http.MethodPost)
	r.HandleFunc("/v1/packages/{uuid}/fixity", rateLimit(WithJSON(CheckFixityHandler))).Methods(http.MethodPost)
	r.HandleFunc("/v1/packages/{uuid}/delete-request", rateLimit(WithJSON(requestHandler(event.TypeDelete)))).Methods(http.MethodPost)
	r.HandleFunc("/v1/packages/{uuid}/recover-request", rateLimit(WithJSON(requestHandler(event.TypeRecover)))).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/{id}/approve", rateLimit(WithJSON(decisionHandler(event.Approve)))).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/{id}/reject", rateLimit(WithJSON(decisionHandler(event.Reject)))).Methods(http.MethodPost)
	r.HandleFunc("/v1/locations/{uuid}/browse", rateLimit(WithJSON(BrowseLocationHandler))).Methods(http.MethodGet)
	r.HandleFunc("/v1/files", rateLimit(WithJSON(SearchFilesHandler))).Methods(http.MethodGet)
	r.HandleFunc("/v1/pipelines", rateLimit(WithJSON(RegisterPipelineHandler))).Methods(http.MethodPost)
	r.HandleFunc("/v1/pipelines", rateLimit(WithJSON(ListPipelinesHandler))).Methods(http.MethodGet)
	r.HandleFunc("/_health", WithJSON(HealthHandler)).Methods(http.MethodGet)
}

func rateLimit(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if httpErr := tollbooth.LimitByRequest(apiLimiter, w, r); httpErr != nil {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"code":"rate_limited","msg":"too many requests"}`, httpErr.StatusCode)
			return
		}
		h(w, r)
	}
}

// HealthHandler reports liveness and database reachability.
func HealthHandler(ctx *Context) (interface{}, error) {
	sqlDB, err := datastore.GetStore().GetDB().DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		ctx.StatusCode = http.StatusServiceUnavailable
		return nil, common.NewErrorf(common.ErrInternal, "database unreachable: %v", err)
	}
	return map[string]string{"status": "ok"}, nil
}

// StorePackageHandler admits a new package.
func StorePackageHandler(ctx *Context) (interface{}, error) {
	var req packages.StoreRequest
	if err := json.NewDecoder(ctx.Request.Body).Decode(&req); err != nil {
		return nil, common.InvalidRequest("undecodable body: " + err.Error())
	}
	pkg, err := packages.StoreAIP(&req)
	if err != nil {
		return nil, err
	}
	ctx.StatusCode = http.StatusCreated
	return pkg, nil
}

// GetPackageHandler returns one package row.
func GetPackageHandler(ctx *Context) (interface{}, error) {
	uuid := mux.Vars(ctx.Request)["uuid"]
	var pkg *packages.Package
	err := ctx.Store.WithNewTransaction(func(tctx context.Context) error {
		var err error
		pkg, err = packages.GetPackage(tctx, uuid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// SearchPackagesHandler filters and pages the package index.
func SearchPackagesHandler(ctx *Context) (interface{}, error) {
	q := ctx.Request.URL.Query()
	f := packages.PackageFilter{
		UUID:        q.Get("uuid"),
		PackageType: q.Get("type"),
		Status:      q.Get("status"),
		Location:    q.Get("location"),
		Pipeline:    q.Get("pipeline"),
		Description: q.Get("description"),
		Limit:       intParam(q.Get("limit")),
		Offset:      intParam(q.Get("offset")),
	}
	var (
		out   []*packages.Package
		total int64
	)
	err := ctx.Store.WithNewTransaction(func(tctx context.Context) error {
		var err error
		out, total, err = packages.SearchPackages(tctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"total": total, "packages": out}, nil
}

// SearchFilesHandler filters and pages the file index.
func SearchFilesHandler(ctx *Context) (interface{}, error) {
	q := ctx.Request.URL.Query()
	f := packages.FileFilter{
		UUID:        q.Get("uuid"),
		PackageUUID: q.Get("package"),
		FileType:    q.Get("type"),
		Name:        q.Get("name"),
		MinSize:     int64(intParam(q.Get("min_size"))),
		MaxSize:     int64(intParam(q.Get("max_size"))),
		Limit:       intParam(q.Get("limit")),
		Offset:      intParam(q.Get("offset")),
	}
	if v := q.Get("ingested_after"); v != "" {
		f.IngestedAfter = common.Timestamp(int64(intParam(v)))
	}
	if v := q.Get("ingested_before"); v != "" {
		f.IngestedBefore = common.Timestamp(int64(intParam(v)))
	}
	var (
		out   []*packages.File
		total int64
	)
	err := ctx.Store.WithNewTransaction(func(tctx context.Context) error {
		var err error
		out, total, err = packages.SearchFiles(tctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"total": total, "files": out}, nil
}

// DownloadPackageHandler streams the package content to the caller through a
// scratch copy in the staging area.
func DownloadPackageHandler(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	scratch := filepath.Join(config.Configuration.StagingPath, "download", uuid, shortuuid.New())
	defer os.RemoveAll(filepath.Join(config.Configuration.StagingPath, "download", uuid))
	if err := packages.Retrieve(uuid, scratch); err != nil {
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(err)
		http.Error(w, string(body), statusFor(err))
		return
	}
	info, err := os.Stat(scratch)
	if err != nil || info.IsDir() {
		// Directory packages are not streamable as a single body.
		w.Header().Set("Content-Type", "application/json")
		http.Error(w, `{"code":"invalid_parameters","msg":"package is a directory, retrieve it via a location"}`,
			http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, scratch)
}

// MovePackageHandler relocates a package to another location.
func MovePackageHandler(ctx *Context) (interface{}, error) {
	uuid := mux.Vars(ctx.Request)["uuid"]
	var body struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(ctx.Request.Body).Decode(&body); err != nil {
		return nil, common.InvalidRequest("undecodable body: " + err.Error())
	}
	if body.Location == "" {
		return nil, common.InvalidRequest("destination location is required")
	}
	if err := packages.MovePackage(uuid, body.Location); err != nil {
		return nil, err
	}
	return map[string]string{"status": "moved"}, nil
}

// CheckFixityHandler runs an on-demand fixity check.
func CheckFixityHandler(ctx *Context) (interface{}, error) {
	uuid := mux.Vars(ctx.Request)["uuid"]
	result, err := packages.CheckFixity(uuid)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func requestHandler(eventType string) func(ctx *Context) (interface{}, error) {
	return func(ctx *Context) (interface{}, error) {
		uuid := mux.Vars(ctx.Request)["uuid"]
		var body struct {
			Reason    string `json:"reason"`
			Pipeline  string `json:"pipeline"`
			UserID    string `json:"user_id"`
			UserEmail string `json:"user_email"`
		}
		if err := json.NewDecoder(ctx.Request.Body).Decode(&body); err != nil {
			return nil, common.InvalidRequest("undecodable body: " + err.Error())
		}
		ev, err := event.Submit(&event.SubmitRequest{
			PackageUUID:  uuid,
			EventType:    eventType,
			Reason:       body.Reason,
			PipelineUUID: body.Pipeline,
			UserID:       body.UserID,
			UserEmail:    body.UserEmail,
		})
		if err != nil {
			return nil, err
		}
		ctx.StatusCode = http.StatusCreated
		return ev, nil
	}
}

func decisionHandler(decide func(*event.Decision) error) func(ctx *Context) (interface{}, error) {
	return func(ctx *Context) (interface{}, error) {
		id, err := strconv.ParseInt(mux.Vars(ctx.Request)["id"], 10, 64)
		if err != nil {
			return nil, common.InvalidRequest("event id must be numeric")
		}
		var body struct {
			AdminID string `json:"admin_id"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(ctx.Request.Body).Decode(&body); err != nil {
			return nil, common.InvalidRequest("undecodable body: " + err.Error())
		}
		if err := decide(&event.Decision{EventID: id, AdminID: body.AdminID, Reason: body.Reason}); err != nil {
			return nil, err
		}
		var ev *event.Event
		err = datastore.GetStore().WithNewTransaction(func(tctx context.Context) error {
			ev, err = event.GetEvent(tctx, id)
			return err
		})
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}

// BrowseLocationHandler lists a path inside a location.
func BrowseLocationHandler(ctx *Context) (interface{}, error) {
	uuid := mux.Vars(ctx.Request)["uuid"]
	rel := ctx.Request.URL.Query().Get("path")
	var loc *location.Location
	err := ctx.Store.WithNewTransaction(func(tctx context.Context) error {
		var err error
		loc, err = location.GetLocation(tctx, uuid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !loc.Enabled {
		return nil, common.NewErrorf(common.ErrLocationDisabled, "location %s is disabled", uuid)
	}
	var listing *backend.Listing
	listing, err = loc.Space.Browse(ctx, loc.PathTo(rel)+"/")
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// RegisterPipelineHandler registers a pipeline with its default locations.
func RegisterPipelineHandler(ctx *Context) (interface{}, error) {
	var req pipeline.RegisterRequest
	if err := json.NewDecoder(ctx.Request.Body).Decode(&req); err != nil {
		return nil, common.InvalidRequest("undecodable body: " + err.Error())
	}
	p, err := pipeline.Register(&req)
	if err != nil {
		return nil, err
	}
	ctx.StatusCode = http.StatusCreated
	return p, nil
}

// ListPipelinesHandler returns all pipelines.
func ListPipelinesHandler(ctx *Context) (interface{}, error) {
	var out []*pipeline.Pipeline
	err := ctx.Store.WithNewTransaction(func(tctx context.Context) error {
		var err error
		out, err = pipeline.ListPipelines(tctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
