package backend

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"go.uber.org/zap"
)

func init() {
	Register(ProtocolDuraCloud, func(cfg map[string]interface{}) (Adapter, error) {
		var c DuraCloudConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad duracloud config: %v", err)
		}
		if c.Host == "" || c.DuraSpace == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "duracloud space needs host and duraspace")
		}
		if c.ChunkSize <= 0 {
			c.ChunkSize = defaultDuraChunkSize
		}
		return &duracloudAdapter{
			cfg:    c,
			client: &http.Client{Timeout: 30 * time.Minute},
		}, nil
	})
}

// Content larger than this is split into numbered chunks with a manifest,
// matching what DuraCloud's own sync tool produces.
const defaultDuraChunkSize = int64(1) << 30

const (
	duraChunkSuffix    = ".dura-chunk-"
	duraManifestSuffix = ".dura-manifest"
)

// DuraCloudConfig configures a DuraCloud space reached over its durastore
// REST API.
type DuraCloudConfig struct {
	Host      string `mapstructure:"host"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DuraSpace string `mapstructure:"duraspace"`
	ChunkSize int64  `mapstructure:"chunk_size"`
}

type duracloudAdapter struct {
	cfg    DuraCloudConfig
	client *http.Client
}

func (a *duracloudAdapter) contentURL(name string) string {
	return fmt.Sprintf("https://%s/durastore/%s/%s", a.cfg.Host, a.cfg.DuraSpace,
		url.PathEscape(key(name)))
}

func (a *duracloudAdapter) do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(a.cfg.User, a.cfg.Password)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, common.NewErrorf(common.ErrBackendUnavailable, "durastore %s: %v", a.cfg.Host, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, common.NewErrorf(common.ErrNotFound, "%s not in duracloud space %s", req.URL.Path, a.cfg.DuraSpace)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, common.NewErrorf(common.ErrPermissionDenied, "durastore refused %s: %s", req.URL.Path, resp.Status)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, common.NewErrorf(common.ErrBackendUnavailable, "durastore %s: %s: %s", req.URL.Path, resp.Status, body)
	}
	return resp, nil
}

func (a *duracloudAdapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		names, err := a.namesUnder(ctx, src)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return common.NewErrorf(common.ErrNotFound, "%s not in duracloud space %s", src, a.cfg.DuraSpace)
		}
		dst = strings.TrimSuffix(dst, "/")
		for _, name := range names {
			if strings.Contains(name, duraChunkSuffix) {
				continue
			}
			target := dst
			if name != key(src) && !strings.HasPrefix(key(src), strings.TrimSuffix(name, duraManifestSuffix)) {
				target = filepath.Join(dst, strings.TrimPrefix(name, key(src)+"/"))
			}
			if strings.HasSuffix(name, duraManifestSuffix) {
				if err := a.fetchChunked(ctx, name, strings.TrimSuffix(target, duraManifestSuffix)); err != nil {
					return err
				}
				continue
			}
			if err := a.fetchOne(ctx, name, target); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *duracloudAdapter) fetchOne(ctx context.Context, name, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.contentURL(name), nil)
	if err != nil {
		return err
	}
	resp, err := a.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
		return mapFSError(target, err)
	}
	f, err := os.Create(target)
	if err != nil {
		return mapFSError(target, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(target)
		return common.NewErrorf(common.ErrBackendUnavailable, "fetch %s: %v", name, err)
	}
	return f.Close()
}

// duraManifest is the subset of the chunk manifest the adapter reads and
// writes.
type duraManifest struct {
	XMLName xml.Name    `xml:"dur:chunksManifest"`
	Header  duraHeader  `xml:"header"`
	Chunks  []duraChunk `xml:"chunks>chunk"`
}

type duraHeader struct {
	SourceContent struct {
		ContentID string `xml:"contentId,attr"`
		MD5       string `xml:"md5"`
		ByteSize  int64  `xml:"byteSize"`
	} `xml:"sourceContent"`
}

type duraChunk struct {
	ChunkID  string `xml:"chunkId,attr"`
	MD5      string `xml:"md5"`
	ByteSize int64  `xml:"byteSize"`
}

func (a *duracloudAdapter) fetchChunked(ctx context.Context, manifestName, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.contentURL(manifestName), nil)
	if err != nil {
		return err
	}
	resp, err := a.do(req)
	if err != nil {
		return err
	}
	var manifest duraManifest
	err = xml.NewDecoder(resp.Body).Decode(&manifest)
	resp.Body.Close()
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "bad manifest %s: %v", manifestName, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
		return mapFSError(target, err)
	}
	f, err := os.Create(target)
	if err != nil {
		return mapFSError(target, err)
	}
	defer f.Close()
	sum := md5.New()
	w := io.MultiWriter(f, sum)
	for _, chunk := range manifest.Chunks {
		creq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.contentURL(chunk.ChunkID), nil)
		if err != nil {
			return err
		}
		cresp, err := a.do(creq)
		if err != nil {
			os.Remove(target)
			return err
		}
		_, err = io.Copy(w, cresp.Body)
		cresp.Body.Close()
		if err != nil {
			os.Remove(target)
			return common.NewErrorf(common.ErrBackendUnavailable, "fetch chunk %s: %v", chunk.ChunkID, err)
		}
	}
	if got := hex.EncodeToString(sum.Sum(nil)); manifest.Header.SourceContent.MD5 != "" && got != manifest.Header.SourceContent.MD5 {
		os.Remove(target)
		return common.NewErrorf(common.ErrChecksumMismatch,
			"%s reassembled to md5 %s, manifest says %s", target, got, manifest.Header.SourceContent.MD5)
	}
	return nil
}

func (a *duracloudAdapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	err := a.moveFromStorageService(ctx, src, dst)
	if err != nil {
		// durastore has no server-side copy to promote a staged tree with.
		// dst is always a fresh reservation, so roll back whatever landed
		// (stray chunks included) rather than leave a partial package.
		a.removeAll(ctx, dst)
	}
	return err
}

func (a *duracloudAdapter) moveFromStorageService(ctx context.Context, src, dst string) error {
	return withRetry(ctx, 0, func() error {
		info, err := os.Stat(strings.TrimSuffix(src, "/"))
		if err != nil {
			return mapFSError(src, err)
		}
		if !info.IsDir() {
			return a.putOne(ctx, strings.TrimSuffix(src, "/"), key(dst))
		}
		root := strings.TrimSuffix(src, "/")
		return filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				return mapFSError(p, err)
			}
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			return a.putOne(ctx, p, path.Join(key(dst), filepath.ToSlash(rel)))
		})
	})
}

// removeAll deletes everything that landed under p, best effort.
func (a *duracloudAdapter) removeAll(ctx context.Context, p string) {
	names, err := a.namesUnder(ctx, p)
	if err != nil {
		return
	}
	for _, name := range names {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.contentURL(name), nil)
		if err != nil {
			continue
		}
		resp, err := a.do(req)
		if err != nil {
			if !common.IsError(err, common.ErrNotFound) {
				logging.Logger.Warn("cannot clear upload prefix",
					zap.String("duraspace", a.cfg.DuraSpace), zap.String("name", name), zap.Error(err))
			}
			continue
		}
		resp.Body.Close()
	}
}

func (a *duracloudAdapter) putOne(ctx context.Context, local, name string) error {
	info, err := os.Stat(local)
	if err != nil {
		return mapFSError(local, err)
	}
	if info.Size() > a.cfg.ChunkSize {
		return a.putChunked(ctx, local, name, info.Size())
	}
	sum, err := fileMD5(local)
	if err != nil {
		return err
	}
	return a.putRange(ctx, local, name, 0, info.Size(), sum)
}

func (a *duracloudAdapter) putChunked(ctx context.Context, local, name string, size int64) error {
	manifest := duraManifest{}
	manifest.Header.SourceContent.ContentID = name
	manifest.Header.SourceContent.ByteSize = size
	whole := md5.New()
	f, err := os.Open(local)
	if err != nil {
		return mapFSError(local, err)
	}
	if _, err := io.Copy(whole, f); err != nil {
		f.Close()
		return mapFSError(local, err)
	}
	f.Close()
	manifest.Header.SourceContent.MD5 = hex.EncodeToString(whole.Sum(nil))

	for i, off := 0, int64(0); off < size; i, off = i+1, off+a.cfg.ChunkSize {
		n := a.cfg.ChunkSize
		if off+n > size {
			n = size - off
		}
		chunkID := fmt.Sprintf("%s%s%04d", name, duraChunkSuffix, i)
		sum, err := rangeMD5(local, off, n)
		if err != nil {
			return err
		}
		if err := a.putRange(ctx, local, chunkID, off, n, sum); err != nil {
			return err
		}
		manifest.Chunks = append(manifest.Chunks, duraChunk{ChunkID: chunkID, MD5: sum, ByteSize: n})
	}

	body, err := xml.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		a.contentURL(name+duraManifestSuffix), strings.NewReader(xml.Header+string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	resp, err := a.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *duracloudAdapter) putRange(ctx context.Context, local, name string, off, n int64, md5hex string) error {
	f, err := os.Open(local)
	if err != nil {
		return mapFSError(local, err)
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return mapFSError(local, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.contentURL(name), io.LimitReader(f, n))
	if err != nil {
		return err
	}
	req.ContentLength = n
	// durastore verifies the body against Content-MD5 server side.
	req.Header.Set("Content-MD5", md5hex)
	resp, err := a.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *duracloudAdapter) DeletePath(ctx context.Context, p string) error {
	return withRetry(ctx, 0, func() error {
		names, err := a.namesUnder(ctx, p)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return common.NewErrorf(common.ErrNotFound, "%s not in duracloud space %s", p, a.cfg.DuraSpace)
		}
		for _, name := range names {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.contentURL(name), nil)
			if err != nil {
				return err
			}
			resp, err := a.do(req)
			if err != nil {
				if common.IsError(err, common.ErrNotFound) {
					continue
				}
				return err
			}
			resp.Body.Close()
		}
		return nil
	})
}

// spaceContents is durastore's space listing payload.
type spaceContents struct {
	Items []string `xml:"item"`
}

func (a *duracloudAdapter) list(ctx context.Context, prefix string) ([]string, error) {
	u := fmt.Sprintf("https://%s/durastore/%s?prefix=%s", a.cfg.Host, a.cfg.DuraSpace, url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var contents spaceContents
	if err := xml.NewDecoder(resp.Body).Decode(&contents); err != nil {
		return nil, common.NewErrorf(common.ErrBackendUnavailable, "bad space listing: %v", err)
	}
	return contents.Items, nil
}

func (a *duracloudAdapter) namesUnder(ctx context.Context, p string) ([]string, error) {
	k := key(p)
	items, err := a.list(ctx, k)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range items {
		if item == k || strings.HasPrefix(item, k+"/") ||
			strings.HasPrefix(item, k+duraChunkSuffix) || item == k+duraManifestSuffix {
			names = append(names, item)
		}
	}
	return names, nil
}

func (a *duracloudAdapter) Browse(ctx context.Context, p string) (*Listing, error) {
	prefix := key(p)
	if prefix != "" {
		prefix += "/"
	}
	items, err := a.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	dirs := map[string]bool{}
	var entries []Entry
	for _, item := range items {
		rest := strings.TrimPrefix(item, prefix)
		if rest == "" || strings.Contains(rest, duraChunkSuffix) {
			continue
		}
		rest = strings.TrimSuffix(rest, duraManifestSuffix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dirs[rest[:i]] = true
			continue
		}
		entries = append(entries, Entry{Name: rest})
	}
	for name := range dirs {
		entries = append(entries, Entry{Name: name, Directory: true})
	}
	return NewListing(entries), nil
}

func fileMD5(path string) (string, error) {
	return rangeMD5(path, 0, -1)
}

func rangeMD5(path string, off, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", mapFSError(path, err)
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return "", mapFSError(path, err)
	}
	sum := md5.New()
	var r io.Reader = f
	if n >= 0 {
		r = io.LimitReader(f, n)
	}
	if _, err := io.Copy(sum, r); err != nil {
		return "", mapFSError(path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
