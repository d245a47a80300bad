package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/storagecore/automigration"
	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/location"
	"github.com/openarchive/storaged/storagecore/space"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	setupOnce  sync.Once
	testRouter *mux.Router
)

func setupAPI(t *testing.T) *mux.Router {
	t.Helper()
	setupOnce.Do(func() {
		gdb, err := datastore.UseInMemory()
		if err != nil {
			panic(err)
		}
		if err := automigration.AutoMigrate(gdb); err != nil {
			panic(err)
		}
		common.SetupRootContext(context.Background())
		testRouter = mux.NewRouter()
		SetupHandlers(testRouter)
	})
	return testRouter
}

func doJSON(t *testing.T, r *mux.Router, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{common.ErrNotFound, http.StatusNotFound},
		{common.ErrPermissionDenied, http.StatusForbidden},
		{common.ErrInvalidParameters, http.StatusBadRequest},
		{"invalid_request", http.StatusBadRequest},
		{common.ErrQuotaExceeded, http.StatusInsufficientStorage},
		{common.ErrDuplicateRequest, http.StatusConflict},
		{common.ErrAlreadyDecided, http.StatusConflict},
		{common.ErrNoLocationConfigured, http.StatusConflict},
		{common.ErrLocationDisabled, http.StatusConflict},
		{common.ErrAmbiguousLocation, http.StatusConflict},
		{common.ErrBackendUnavailable, http.StatusBadGateway},
		{common.ErrTimeout, http.StatusGatewayTimeout},
		{common.ErrChecksumMismatch, http.StatusUnprocessableEntity},
		{common.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(common.NewError(tt.code, "x")), tt.code)
	}
}

func TestHealth(t *testing.T) {
	r := setupAPI(t)
	w, body := doJSON(t, r, http.MethodGet, "/_health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRegisterAndListPipelines(t *testing.T) {
	r := setupAPI(t)
	id := uuid.NewString()

	w, body := doJSON(t, r, http.MethodPost, "/v1/pipelines",
		`{"UUID":"`+id+`","Description":"test pipeline"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, id, body["UUID"])

	w, _ = doJSON(t, r, http.MethodGet, "/v1/pipelines", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	// A registration without a uuid is a client error with a coded body.
	w, body = doJSON(t, r, http.MethodPost, "/v1/pipelines", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestGetPackageNotFound(t *testing.T) {
	r := setupAPI(t)
	w, body := doJSON(t, r, http.MethodGet, "/v1/packages/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, common.ErrNotFound, body["code"])
}

func TestBrowseLocation(t *testing.T) {
	r := setupAPI(t)
	dir := t.TempDir()

	var loc *location.Location
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		s := &space.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: "FS",
			Path:           dir,
			StagingPath:    filepath.Join(dir, "staging"),
		}
		if err := s.Save(ctx); err != nil {
			return err
		}
		loc = &location.Location{
			UUID:         uuid.NewString(),
			SpaceUUID:    s.UUID,
			Purpose:      location.PurposeTransferSource,
			RelativePath: "TS/source",
			Enabled:      true,
		}
		return loc.Save(ctx)
	})
	require.NoError(t, err)

	root := filepath.Join(dir, "TS", "source")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "incoming"), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bag.7z"), []byte("x"), 0o664))

	w, _ := doJSON(t, r, http.MethodGet, "/v1/locations/"+loc.UUID+"/browse", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "bag.7z")
	assert.Contains(t, w.Body.String(), "incoming")

	// Disabling the location closes the browse surface.
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		loc.Enabled = false
		return loc.Save(ctx)
	})
	require.NoError(t, err)
	w, body := doJSON(t, r, http.MethodGet, "/v1/locations/"+loc.UUID+"/browse", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, common.ErrLocationDisabled, body["code"])
}

func TestDecisionHandlerRejectsBadID(t *testing.T) {
	r := setupAPI(t)
	w, body := doJSON(t, r, http.MethodPost, "/v1/events/not-a-number/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["code"])
}
