package packages

import (
	"encoding/xml"
	"os"
	"path/filepath"

	"github.com/openarchive/storaged/core/common"
)

// PointerFile is the XML sidecar stored next to an AIP/AIC. It records the
// fixity baseline the package is verified against for the rest of its life.
type PointerFile struct {
	XMLName      xml.Name `xml:"pointer"`
	PackageUUID  string   `xml:"package_uuid"`
	PackageType  string   `xml:"package_type"`
	Size         int64    `xml:"size"`
	Checksum     string   `xml:"checksum"`
	ChecksumAlgo string   `xml:"checksum_algo"`
	// EncryptionKeyFingerprint is present when the package body is
	// encrypted at rest.
	EncryptionKeyFingerprint string `xml:"encryption_key_fingerprint,omitempty"`
	StoredLocation           string `xml:"stored_location"`
	StoredPath               string `xml:"stored_path"`
}

// PointerFileName is the sidecar leaf name for a package.
func PointerFileName(packageUUID string) string {
	return "pointer." + packageUUID + ".xml"
}

// WritePointerFile serializes the pointer to an absolute local path,
// creating parent directories.
func WritePointerFile(pf *PointerFile, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return common.NewErrorf(common.ErrInternal, "pointer dir for %s: %v", pf.PackageUUID, err)
	}
	buf, err := xml.MarshalIndent(pf, "", "  ")
	if err != nil {
		return common.NewErrorf(common.ErrInternal, "encode pointer for %s: %v", pf.PackageUUID, err)
	}
	if err := os.WriteFile(path, append([]byte(xml.Header), buf...), 0o664); err != nil {
		return common.NewErrorf(common.ErrInternal, "write pointer for %s: %v", pf.PackageUUID, err)
	}
	return nil
}

// ReadPointerFile parses a pointer sidecar from an absolute local path.
func ReadPointerFile(path string) (*PointerFile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewErrorf(common.ErrNotFound, "pointer file %s not found", path)
		}
		return nil, common.NewErrorf(common.ErrInternal, "read pointer %s: %v", path, err)
	}
	pf := &PointerFile{}
	if err := xml.Unmarshal(buf, pf); err != nil {
		return nil, common.NewErrorf(common.ErrInternal, "parse pointer %s: %v", path, err)
	}
	return pf, nil
}
