package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
)

func init() {
	Register(ProtocolTape, func(cfg map[string]interface{}) (Adapter, error) {
		var c TapeConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad tape config: %v", err)
		}
		if c.JournalPath == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "tape space needs journal_path")
		}
		return &tapeAdapter{cfg: c}, nil
	})
}

// TapeConfig configures a tape library fronted by a spool directory. An
// external migration agent drains the spool to tape, writes fixity reports
// and services recall requests; the adapter talks to it only through files.
type TapeConfig struct {
	// JournalPath is the directory the agent watches for migration and
	// recall requests and where it leaves reports.
	JournalPath string `mapstructure:"journal_path"`
	// RecallTimeout bounds how long a synchronous read waits for a recall
	// before giving up. Zero means fail immediately when offline.
	RecallTimeout time.Duration `mapstructure:"recall_timeout"`
}

type tapeAdapter struct {
	localAdapter
	cfg TapeConfig
}

func (a *tapeAdapter) UploadDeferred() bool { return true }

func (a *tapeAdapter) requestPath(kind, pkg string) string {
	return filepath.Join(a.cfg.JournalPath, fmt.Sprintf("%s-%s.req", kind, pkg))
}

func (a *tapeAdapter) writeRequest(kind string, spec *TransferSpec, path string) error {
	if spec == nil || spec.PackageUUID == "" {
		return common.NewError(common.ErrInvalidParameters, "tape request needs a package uuid")
	}
	if err := os.MkdirAll(a.cfg.JournalPath, 0o775); err != nil {
		return mapFSError(a.cfg.JournalPath, err)
	}
	req := a.requestPath(kind, spec.PackageUUID)
	tmp := req + ".tmp"
	body := fmt.Sprintf("package=%s\npath=%s\nrequested=%s\n",
		spec.PackageUUID, path, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(tmp, []byte(body), 0o664); err != nil {
		return mapFSError(tmp, err)
	}
	if err := os.Rename(tmp, req); err != nil {
		os.Remove(tmp)
		return mapFSError(req, err)
	}
	return nil
}

// MoveFromStorageService spools the package and journals a migration
// request. The package stays staged until the agent confirms it is on tape.
func (a *tapeAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	if err := a.localAdapter.MoveFromStorageService(ctx, src, dst, spec); err != nil {
		return err
	}
	return a.writeRequest("migrate", spec, dst)
}

// MoveToStorageService reads from the spool when the package is still
// online. A migrated package gets a recall request journaled and the read
// fails as backend_unavailable until the agent brings it back.
func (a *tapeAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	clean := strings.TrimSuffix(src, string(os.PathSeparator))
	if _, err := os.Stat(clean); err == nil {
		return a.localAdapter.MoveToStorageService(ctx, src, dst, spec)
	}
	if err := a.writeRequest("recall", spec, clean); err != nil {
		return err
	}
	deadline := time.Now().Add(a.cfg.RecallTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return common.NewErrorf(common.ErrTimeout, "recall of %s interrupted", clean)
		case <-time.After(5 * time.Second):
		}
		if _, err := os.Stat(clean); err == nil {
			return a.localAdapter.MoveToStorageService(ctx, src, dst, spec)
		}
	}
	return common.NewErrorf(common.ErrBackendUnavailable,
		"%s is on tape, recall requested", clean)
}

// DeletePath removes the spooled copy and journals a deletion for the tape
// copy. The path alone identifies the package on the agent side.
func (a *tapeAdapter) DeletePath(ctx context.Context, path string) error {
	err := a.localAdapter.DeletePath(ctx, path)
	if err != nil && !common.IsError(err, common.ErrNotFound) {
		return err
	}
	uuid := packageUUIDFromPath(path)
	if uuid == "" {
		return err
	}
	return a.writeRequest("delete", &TransferSpec{PackageUUID: uuid}, path)
}

// CheckFixity reads the agent's report for the package. Report lines are
// `key=value`; `verified` carries the verdict and `detail` the explanation.
// No report yet means the agent has not gotten to the package.
func (a *tapeAdapter) CheckFixity(ctx context.Context, path string, spec *TransferSpec) (*bool, string, error) {
	if spec == nil || spec.PackageUUID == "" {
		return nil, "", common.NewError(common.ErrInvalidParameters, "fixity check needs a package uuid")
	}
	report := filepath.Join(a.cfg.JournalPath, spec.PackageUUID+".report")
	f, err := os.Open(report)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "no report from migration agent yet", nil
		}
		return nil, "", mapFSError(report, err)
	}
	defer f.Close()
	var verdict *bool
	detail := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, found := strings.Cut(scanner.Text(), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(k) {
		case "verified":
			ok := strings.TrimSpace(v) == "true"
			verdict = &ok
		case "detail":
			detail = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", mapFSError(report, err)
	}
	return verdict, detail, nil
}

// packageUUIDFromPath pulls the trailing uuid out of a `<name>-<uuid>` leaf.
func packageUUIDFromPath(path string) string {
	base := filepath.Base(strings.TrimSuffix(path, string(os.PathSeparator)))
	for ext := filepath.Ext(base); ext != ""; ext = filepath.Ext(base) {
		base = strings.TrimSuffix(base, ext)
	}
	if len(base) < 36 {
		return ""
	}
	candidate := base[len(base)-36:]
	for i, r := range candidate {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return ""
			}
		default:
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
				return ""
			}
		}
	}
	return candidate
}
