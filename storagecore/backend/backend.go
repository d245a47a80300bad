package backend

import (
	"context"
	"strings"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/openarchive/storaged/core/common"
)

// Access protocols. A Space names one of these and carries the matching
// adapter configuration.
const (
	ProtocolLocal     = "FS"
	ProtocolNFS       = "NFS"
	ProtocolPipeline  = "PIPE_FS"
	ProtocolS3        = "S3"
	ProtocolSwift     = "SWIFT"
	ProtocolDuraCloud = "DC"
	ProtocolLOCKSS    = "LOM"
	ProtocolGPG       = "GPG"
	ProtocolTape      = "TAPE"
	ProtocolRclone    = "RCLONE"
)

// TransferSpec carries package details an adapter may need during a move.
type TransferSpec struct {
	PackageUUID string
	Size        int64
	// Checksum of the whole object when known, hex encoded.
	Checksum     string
	ChecksumAlgo string
}

// Adapter is the uniform interface over a concrete storage backend. Paths are
// absolute within the backend's namespace; a trailing slash marks a
// directory. After MoveToStorageService/MoveFromStorageService succeed the
// rest of the system treats every backend identically.
//
// MoveFromStorageService must be atomic from the caller's perspective:
// either the destination exists complete, or no partial object is reachable
// by Browse. Backends without a native atomic rename stage under a temporary
// name first.
type Adapter interface {
	MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error
	MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error
	// DeletePath permanently removes an object. A missing object yields a
	// not_found error; callers treat that as success.
	DeletePath(ctx context.Context, path string) error
	// Browse lists the immediate children of path, alphabetically.
	Browse(ctx context.Context, path string) (*Listing, error)
}

// LocalMover is implemented by adapters that can rename within the backend
// without copying. Move returns ErrMoveUnsupported when the particular
// rename cannot be done natively (e.g. crossing filesystems).
type LocalMover interface {
	Move(ctx context.Context, src, dst string) error
}

// UsageReporter is implemented by adapters with native space accounting.
type UsageReporter interface {
	Usage(path string) (used, total int64, err error)
}

// FixityChecker is implemented by adapters that can verify package fixity on
// the backend side. ok is nil when the backend has not produced a report yet.
type FixityChecker interface {
	CheckFixity(ctx context.Context, path string, spec *TransferSpec) (ok *bool, detail string, err error)
}

// DeferredUploader is implemented by adapters whose ingest completes
// asynchronously (deposit and archival networks). Packages stored on such
// backends stay in the staged state until the backend confirms.
type DeferredUploader interface {
	UploadDeferred() bool
}

// ErrMoveUnsupported signals that a same-space native move cannot be
// performed and the caller should fall back to a staged copy.
var ErrMoveUnsupported = common.NewError("move_unsupported", "backend cannot move this path natively")

// Entry is one child of a browsed path.
type Entry struct {
	Name      string    `json:"name"`
	Directory bool      `json:"directory"`
	Size      int64     `json:"size,omitempty"`
	Modified  time.Time `json:"modified,omitempty"`
}

// Listing is an alphabetically ordered set of entries at a path. Listings are
// restartable: calling Browse again re-reads the backend.
type Listing struct {
	Entries []Entry `json:"entries"`
}

// Directories returns the names of directory entries.
func (l *Listing) Directories() []string {
	var dirs []string
	for _, e := range l.Entries {
		if e.Directory {
			dirs = append(dirs, e.Name)
		}
	}
	return dirs
}

// NewListing orders entries alphabetically, case-insensitive, hidden entries
// excluded.
func NewListing(entries []Entry) *Listing {
	set := treeset.NewWith(func(a, b interface{}) int {
		ea, eb := a.(Entry), b.(Entry)
		la, lb := strings.ToLower(ea.Name), strings.ToLower(eb.Name)
		if la != lb {
			return strings.Compare(la, lb)
		}
		return strings.Compare(ea.Name, eb.Name)
	})
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") {
			continue
		}
		set.Add(e)
	}
	out := make([]Entry, 0, set.Size())
	set.Each(func(_ int, v interface{}) {
		out = append(out, v.(Entry))
	})
	return &Listing{Entries: out}
}

// Constructor builds an adapter from the Space's protocol-specific
// configuration payload.
type Constructor func(cfg map[string]interface{}) (Adapter, error)

var registry = map[string]Constructor{}

// Register makes an adapter constructor available under a protocol name. New
// backends are added by registering a new variant, not by subclassing.
func Register(protocol string, ctor Constructor) {
	registry[protocol] = ctor
}

// New builds the adapter for the given protocol.
func New(protocol string, cfg map[string]interface{}) (Adapter, error) {
	ctor, ok := registry[protocol]
	if !ok {
		return nil, common.NewErrorf("unknown_protocol", "no adapter registered for protocol %q", protocol)
	}
	return ctor(cfg)
}

// Protocols returns the registered protocol names.
func Protocols() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
