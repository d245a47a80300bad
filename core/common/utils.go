package common

import (
	"path/filepath"
	"strings"
)

// PackageExtensions are the archive suffixes recognized on stored package
// names, longest match last.
var PackageExtensions = []string{".7z", ".bz2", ".gz", ".tar"}

// UUIDToPath converts a UUID into a relative directory path by splitting its
// hex characters into fixed groups of four. This bounds directory fan-out in
// storage locations and is part of the on-disk contract with existing
// archives, so the scheme must never change.
//
// e.g. "96365d3d-6656-4fdd-a247-f85c9e0ddd43" becomes
// "9636/5d3d/6656/4fdd/a247/f85c/9e0d/dd43".
func UUIDToPath(uuid string) string {
	hex := strings.ReplaceAll(uuid, "-", "")
	parts := make([]string, 0, len(hex)/4)
	for i := 0; i < len(hex); i += 4 {
		end := i + 4
		if end > len(hex) {
			end = len(hex)
		}
		parts = append(parts, hex[i:end])
	}
	return filepath.Join(parts...)
}

// TrimPackageExtensions strips any trailing archive suffixes from a package
// file name.
func TrimPackageExtensions(name string) string {
	for {
		ext := filepath.Ext(name)
		if ext == "" {
			return name
		}
		known := false
		for _, pe := range PackageExtensions {
			if strings.EqualFold(ext, pe) {
				known = true
				break
			}
		}
		if !known {
			return name
		}
		name = strings.TrimSuffix(name, ext)
	}
}
