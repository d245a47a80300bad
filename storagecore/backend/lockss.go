package backend

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"go.uber.org/zap"
)

func init() {
	Register(ProtocolLOCKSS, func(cfg map[string]interface{}) (Adapter, error) {
		var c LOCKSSConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad lockss config: %v", err)
		}
		if c.SDIri == "" || c.CollectionIri == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "lockss space needs sd_iri and collection_iri")
		}
		return &lockssAdapter{
			localAdapter: localAdapter{},
			cfg:          c,
			client:       &http.Client{Timeout: 5 * time.Minute},
		}, nil
	})
}

// LOCKSSConfig configures a LOCKSS-o-matic space. Packages are spooled onto a
// local staging area the LOCKSS crawler can reach, then announced to the
// service with a SWORD deposit. Ingest into the network is asynchronous, so
// packages stay in the staged state until harvested.
type LOCKSSConfig struct {
	// SDIri is the SWORD service document endpoint.
	SDIri string `mapstructure:"sd_iri"`
	// CollectionIri is the collection deposits are created in.
	CollectionIri     string `mapstructure:"collection_iri"`
	ContentProviderID string `mapstructure:"content_provider_id"`
	// ExternalDomain is the base URL under which the spool is served to the
	// LOCKSS crawlers.
	ExternalDomain string `mapstructure:"external_domain"`
	KeepLocal      bool   `mapstructure:"keep_local"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
}

type lockssAdapter struct {
	localAdapter
	cfg    LOCKSSConfig
	client *http.Client
}

func (a *lockssAdapter) UploadDeferred() bool { return true }

// swordEntry is the Atom entry announcing spooled content to LOCKSS-o-matic.
type swordEntry struct {
	XMLName xml.Name       `xml:"entry"`
	Xmlns   string         `xml:"xmlns,attr"`
	Title   string         `xml:"title"`
	ID      string         `xml:"id"`
	Content []swordContent `xml:"content"`
}

type swordContent struct {
	XMLName  xml.Name `xml:"content"`
	Src      string   `xml:"src,attr"`
	Size     int64    `xml:"size,attr"`
	Checksum string   `xml:"checksumValue,attr,omitempty"`
}

// MoveFromStorageService spools the package locally, then posts the SWORD
// deposit. A deposit failure is logged but not fatal: the spooled copy is in
// place and the deposit worker retries later.
func (a *lockssAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	if err := a.localAdapter.MoveFromStorageService(ctx, src, dst, spec); err != nil {
		return err
	}
	if err := a.deposit(ctx, dst, spec); err != nil {
		logging.Logger.Warn("lockss deposit failed, package left spooled",
			zap.String("path", dst), zap.Error(err))
	}
	return nil
}

func (a *lockssAdapter) deposit(ctx context.Context, spooled string, spec *TransferSpec) error {
	info, err := os.Stat(strings.TrimSuffix(spooled, string(os.PathSeparator)))
	if err != nil {
		return mapFSError(spooled, err)
	}
	entry := swordEntry{
		Xmlns: "http://www.w3.org/2005/Atom",
		Title: filepath.Base(strings.TrimSuffix(spooled, string(os.PathSeparator))),
	}
	if spec != nil {
		entry.ID = "urn:uuid:" + spec.PackageUUID
	}
	content := swordContent{
		Src:  strings.TrimSuffix(a.cfg.ExternalDomain, "/") + "/" + strings.TrimPrefix(spooled, "/"),
		Size: info.Size(),
	}
	if spec != nil {
		content.Checksum = spec.Checksum
	}
	entry.Content = append(entry.Content, content)

	body, err := xml.Marshal(entry)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.CollectionIri,
		bytes.NewReader(append([]byte(xml.Header), body...)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/atom+xml;type=entry")
	req.Header.Set("In-Progress", "true")
	if a.cfg.ContentProviderID != "" {
		req.Header.Set("On-Behalf-Of", a.cfg.ContentProviderID)
	}
	if a.cfg.User != "" {
		req.SetBasicAuth(a.cfg.User, a.cfg.Password)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "sword deposit to %s: %v", a.cfg.CollectionIri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return common.NewErrorf(common.ErrBackendUnavailable,
			"sword deposit to %s: %s: %s", a.cfg.CollectionIri, resp.Status, detail)
	}
	return nil
}

// CheckFixity asks LOCKSS-o-matic for the deposit state. A deposit the
// service has fully harvested and agreed on counts as verified; one still in
// flight reports no verdict yet.
func (a *lockssAdapter) CheckFixity(ctx context.Context, path string, spec *TransferSpec) (*bool, string, error) {
	if spec == nil || spec.PackageUUID == "" {
		return nil, "", common.NewError(common.ErrInvalidParameters, "fixity check needs a package uuid")
	}
	stateIri := fmt.Sprintf("%s/%s/state", strings.TrimSuffix(a.cfg.SDIri, "/"), spec.PackageUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateIri, nil)
	if err != nil {
		return nil, "", err
	}
	if a.cfg.User != "" {
		req.SetBasicAuth(a.cfg.User, a.cfg.Password)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", common.NewErrorf(common.ErrBackendUnavailable, "lockss state for %s: %v", spec.PackageUUID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "deposit not yet registered", nil
	}
	if resp.StatusCode >= 400 {
		return nil, "", common.NewErrorf(common.ErrBackendUnavailable, "lockss state for %s: %s", spec.PackageUUID, resp.Status)
	}
	var state struct {
		Term string `xml:"category>term"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, "", common.NewErrorf(common.ErrBackendUnavailable, "bad state document: %v", err)
	}
	switch strings.ToLower(state.Term) {
	case "agreement", "deposited":
		ok := true
		return &ok, "lockss network reports agreement", nil
	case "failed", "rejected":
		ok := false
		return &ok, "lockss network rejected the deposit", nil
	default:
		return nil, "deposit in state " + state.Term, nil
	}
}
