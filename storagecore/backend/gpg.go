package backend

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"golang.org/x/crypto/openpgp"

	// Registers RIPEMD160 with crypto, which openpgp falls back to when a
	// recipient key carries no hash preferences.
	_ "golang.org/x/crypto/ripemd160"
)

func init() {
	Register(ProtocolGPG, func(cfg map[string]interface{}) (Adapter, error) {
		var c GPGConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad gpg config: %v", err)
		}
		if c.KeyringPath == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "gpg space needs keyring_path")
		}
		a := &gpgAdapter{cfg: c}
		if err := a.loadKey(); err != nil {
			return nil, err
		}
		return a, nil
	})
}

// GPGConfig configures an encrypted space on the local filesystem. Packages
// are stored as a single OpenPGP-encrypted tar per package and decrypted
// transparently on the way out.
type GPGConfig struct {
	// KeyringPath points at an armored or binary keyring holding the
	// encryption key, private part included.
	KeyringPath string `mapstructure:"keyring_path"`
	// KeyFingerprint selects the key when the keyring holds several. Empty
	// means the first key.
	KeyFingerprint string `mapstructure:"key_fingerprint"`
}

type gpgAdapter struct {
	localAdapter
	cfg    GPGConfig
	entity *openpgp.Entity
	ring   openpgp.EntityList
}

func (a *gpgAdapter) loadKey() error {
	f, err := os.Open(a.cfg.KeyringPath)
	if err != nil {
		return mapFSError(a.cfg.KeyringPath, err)
	}
	defer f.Close()
	ring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return mapFSError(a.cfg.KeyringPath, serr)
		}
		ring, err = openpgp.ReadKeyRing(f)
	}
	if err != nil {
		return common.NewErrorf(common.ErrInvalidParameters, "unreadable keyring %s: %v", a.cfg.KeyringPath, err)
	}
	if len(ring) == 0 {
		return common.NewErrorf(common.ErrInvalidParameters, "keyring %s holds no keys", a.cfg.KeyringPath)
	}
	a.ring = ring
	a.entity = ring[0]
	if a.cfg.KeyFingerprint != "" {
		want := strings.ToLower(strings.ReplaceAll(a.cfg.KeyFingerprint, " ", ""))
		for _, e := range ring {
			if strings.EqualFold(fingerprintHex(e), want) {
				a.entity = e
				return nil
			}
		}
		return common.NewErrorf(common.ErrInvalidParameters, "key %s not in keyring", a.cfg.KeyFingerprint)
	}
	return nil
}

func fingerprintHex(e *openpgp.Entity) string {
	const hexdigits = "0123456789abcdef"
	fp := e.PrimaryKey.Fingerprint
	out := make([]byte, 0, len(fp)*2)
	for _, b := range fp {
		out = append(out, hexdigits[b>>4], hexdigits[b&0xf])
	}
	return string(out)
}

// Fingerprint identifies the key packages on this space are encrypted with.
// It is recorded next to the package so the right key can be located later.
func (a *gpgAdapter) Fingerprint() string {
	return fingerprintHex(a.entity)
}

// MoveFromStorageService tars the source and encrypts the stream into a
// single object at dst. The staged-then-rename discipline of the plain
// filesystem adapter is kept.
func (a *gpgAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	src = strings.TrimSuffix(src, string(os.PathSeparator))
	dst = strings.TrimSuffix(dst, string(os.PathSeparator))
	if err := os.MkdirAll(filepath.Dir(dst), 0o775); err != nil {
		return mapFSError(dst, err)
	}
	incomplete := dst + ".incomplete"
	if err := a.encryptTo(ctx, src, incomplete); err != nil {
		os.Remove(incomplete)
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		os.Remove(incomplete)
		return mapFSError(dst, err)
	}
	if err := os.Rename(incomplete, dst); err != nil {
		os.Remove(incomplete)
		return mapFSError(dst, err)
	}
	return nil
}

// MoveToStorageService decrypts the object at src and unpacks the tar into
// dst, restoring the original layout.
func (a *gpgAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	src = strings.TrimSuffix(src, string(os.PathSeparator))
	in, err := os.Open(src)
	if err != nil {
		return mapFSError(src, err)
	}
	defer in.Close()
	md, err := openpgp.ReadMessage(in, a.ring, nil, nil)
	if err != nil {
		return common.NewErrorf(common.ErrPermissionDenied, "cannot decrypt %s: %v", src, err)
	}
	return untar(ctx, md.UnverifiedBody, strings.TrimSuffix(dst, string(os.PathSeparator)))
}

func (a *gpgAdapter) encryptTo(ctx context.Context, src, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
	if err != nil {
		return mapFSError(dst, err)
	}
	defer out.Close()
	pt, err := openpgp.Encrypt(out, []*openpgp.Entity{a.entity}, nil, nil, nil)
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "encrypt %s: %v", dst, err)
	}
	if err := tarTree(ctx, src, pt); err != nil {
		pt.Close()
		return err
	}
	if err := pt.Close(); err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "encrypt %s: %v", dst, err)
	}
	return out.Close()
}

func tarTree(ctx context.Context, src string, w io.Writer) error {
	tw := tar.NewWriter(w)
	info, err := os.Stat(src)
	if err != nil {
		return mapFSError(src, err)
	}
	base := filepath.Base(src)
	add := func(path string, info fs.FileInfo, name string) error {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return mapFSError(path, err)
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}
	if !info.IsDir() {
		if err := add(src, info, base); err != nil {
			return err
		}
		return tw.Close()
	}
	err = filepath.WalkDir(src, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return mapFSError(path, err)
		}
		if err := ctx.Err(); err != nil {
			return common.NewErrorf(common.ErrTimeout, "encrypt interrupted: %v", err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = filepath.Join(base, rel)
		}
		return add(path, info, filepath.ToSlash(name))
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func untar(ctx context.Context, r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	seenRoot := ""
	for {
		if err := ctx.Err(); err != nil {
			return common.NewErrorf(common.ErrTimeout, "decrypt interrupted: %v", err)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return common.NewErrorf(common.ErrChecksumMismatch, "corrupt archive: %v", err)
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return common.NewErrorf(common.ErrInvalidParameters, "archive escapes destination: %s", hdr.Name)
		}
		// The archive root directory becomes dst itself.
		if seenRoot == "" {
			seenRoot = strings.SplitN(name, string(os.PathSeparator), 2)[0]
		}
		rel := strings.TrimPrefix(name, seenRoot)
		rel = strings.TrimPrefix(rel, string(os.PathSeparator))
		target := dst
		if rel != "" {
			target = filepath.Join(dst, rel)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o775); err != nil {
				return mapFSError(target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
				return mapFSError(target, err)
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o664)
			if err != nil {
				return mapFSError(target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				os.Remove(target)
				return mapFSError(target, err)
			}
			if err := f.Close(); err != nil {
				return mapFSError(target, err)
			}
		}
	}
	return nil
}
