package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLOCKSSAdapter(t *testing.T, handler http.Handler) (*lockssAdapter, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	a := &lockssAdapter{
		cfg: LOCKSSConfig{
			SDIri:          ts.URL + "/api/sword/2.0/sd-iri",
			CollectionIri:  ts.URL + "/api/sword/2.0/col-iri/1",
			ExternalDomain: "http://spool.archive.example",
			User:           "storaged",
			Password:       "secret",
		},
		client: ts.Client(),
	}
	return a, ts
}

func TestLOCKSSSpoolAndDeposit(t *testing.T) {
	ctx := context.Background()
	var deposit []byte
	var inProgress string
	a, _ := newLOCKSSAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deposit, _ = io.ReadAll(r.Body)
		inProgress = r.Header.Get("In-Progress")
		w.WriteHeader(http.StatusCreated)
	}))
	dir := t.TempDir()

	src := filepath.Join(dir, "staging", "bag.7z")
	writeFile(t, src, "payload")
	dst := filepath.Join(dir, "spool", "Apples-"+tapeUUID+".7z")
	spec := &TransferSpec{PackageUUID: tapeUUID, Checksum: "abc123"}
	require.NoError(t, a.MoveFromStorageService(ctx, src, dst, spec))

	// Spooled locally and announced over SWORD.
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, "true", inProgress)
	assert.Contains(t, string(deposit), "urn:uuid:"+tapeUUID)
	assert.Contains(t, string(deposit), `checksumValue="abc123"`)
	assert.Contains(t, string(deposit), "http://spool.archive.example/")

	assert.True(t, a.UploadDeferred())
}

func TestLOCKSSDepositFailureLeavesSpool(t *testing.T) {
	ctx := context.Background()
	a, _ := newLOCKSSAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service down", http.StatusInternalServerError)
	}))
	dir := t.TempDir()

	src := filepath.Join(dir, "staging", "bag.7z")
	writeFile(t, src, "payload")
	dst := filepath.Join(dir, "spool", "Apples-"+tapeUUID+".7z")

	// The spooled copy is authoritative until harvested, so a failed deposit
	// does not fail the store.
	require.NoError(t, a.MoveFromStorageService(ctx, src, dst, &TransferSpec{PackageUUID: tapeUUID}))
	_, err := os.Stat(dst)
	assert.NoError(t, err)
}

func TestLOCKSSFixityFromDepositState(t *testing.T) {
	ctx := context.Background()
	state := ""
	a, _ := newLOCKSSAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state == "" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `<entry><category term="`+state+`"/></entry>`)
	}))
	spec := &TransferSpec{PackageUUID: tapeUUID}

	verdict, detail, err := a.CheckFixity(ctx, "ignored", spec)
	require.NoError(t, err)
	assert.Nil(t, verdict)
	assert.Equal(t, "deposit not yet registered", detail)

	state = "inProgress"
	verdict, _, err = a.CheckFixity(ctx, "ignored", spec)
	require.NoError(t, err)
	assert.Nil(t, verdict)

	state = "agreement"
	verdict, _, err = a.CheckFixity(ctx, "ignored", spec)
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.True(t, *verdict)

	state = "failed"
	verdict, _, err = a.CheckFixity(ctx, "ignored", spec)
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.False(t, *verdict)
}
