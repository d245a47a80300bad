package common

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUIDToPath(t *testing.T) {
	got := UUIDToPath("96365d3d-6656-4fdd-a247-f85c9e0ddd43")
	want := filepath.Join("9636", "5d3d", "6656", "4fdd", "a247", "f85c", "9e0d", "dd43")
	assert.Equal(t, want, got)
}

func TestUUIDToPathShortInput(t *testing.T) {
	assert.Equal(t, filepath.Join("abcd", "ef"), UUIDToPath("abcdef"))
	assert.Equal(t, "", UUIDToPath(""))
}

func TestTrimPackageExtensions(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"transfer.tar.gz", "transfer"},
		{"transfer.7z", "transfer"},
		{"transfer.TAR.BZ2", "transfer"},
		{"bag.zip", "bag.zip"},
		{"plain", "plain"},
		{"archive.tar", "archive"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TrimPackageExtensions(tt.name), tt.name)
	}
}
