package backend

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mitchellh/mapstructure"
	"github.com/openarchive/storaged/core/common"
	"github.com/openarchive/storaged/core/logging"
	"go.uber.org/zap"
)

func init() {
	Register(ProtocolS3, func(cfg map[string]interface{}) (Adapter, error) {
		var c S3Config
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, common.NewErrorf(common.ErrInvalidParameters, "bad s3 config: %v", err)
		}
		if c.Bucket == "" || c.Region == "" {
			return nil, common.NewError(common.ErrInvalidParameters, "s3 space needs bucket and region")
		}
		opts := s3.Options{
			Region:       c.Region,
			UsePathStyle: true,
		}
		if c.Endpoint != "" {
			opts.BaseEndpoint = aws.String(c.Endpoint)
		}
		if c.AccessKeyID != "" {
			opts.Credentials = aws.NewCredentialsCache(
				credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""))
		} else {
			// No explicit credentials: defer to the SDK's default chain
			// (env, shared config, instance role).
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(c.Region))
			if err != nil {
				return nil, common.NewErrorf(common.ErrInvalidParameters, "aws credential chain: %v", err)
			}
			opts.Credentials = awsCfg.Credentials
		}
		return &s3Adapter{client: s3.New(opts), bucket: c.Bucket}, nil
	})
}

// S3Config configures an S3 or S3-compatible bucket space. Leaving the
// credentials empty falls back to the SDK's default provider chain.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint_url"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type s3Adapter struct {
	client *s3.Client
	bucket string
}

// key maps an absolute space path to an object key.
func key(p string) string {
	return strings.Trim(p, "/")
}

func (a *s3Adapter) MoveToStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		keys, err := a.keysUnder(ctx, src)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return common.NewErrorf(common.ErrNotFound, "%s does not exist in bucket %s", src, a.bucket)
		}
		downloader := manager.NewDownloader(a.client)
		dst = strings.TrimSuffix(dst, "/")
		for _, k := range keys {
			target := dst
			if k != key(src) {
				target = filepath.Join(dst, strings.TrimPrefix(k, key(src)+"/"))
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
				return mapFSError(target, err)
			}
			f, err := os.Create(target)
			if err != nil {
				return mapFSError(target, err)
			}
			_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(k),
			})
			f.Close()
			if err != nil {
				os.Remove(target)
				return common.NewErrorf(common.ErrBackendUnavailable, "download s3://%s/%s: %v", a.bucket, k, err)
			}
		}
		return nil
	})
}

func (a *s3Adapter) MoveFromStorageService(ctx context.Context, src, dst string, spec *TransferSpec) error {
	return withRetry(ctx, 0, func() error {
		info, err := os.Stat(strings.TrimSuffix(src, "/"))
		if err != nil {
			return mapFSError(src, err)
		}
		uploader := manager.NewUploader(a.client)
		if !info.IsDir() {
			return a.putFile(ctx, uploader, strings.TrimSuffix(src, "/"), key(dst))
		}

		// Trees are staged under a hidden sibling prefix and promoted with
		// server-side copies, so Browse never sees a half-uploaded package.
		final := key(dst)
		staging := stagingKey(final)
		var rels []string
		root := strings.TrimSuffix(src, "/")
		err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
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
			rels = append(rels, filepath.ToSlash(rel))
			return a.putFile(ctx, uploader, p, path.Join(staging, filepath.ToSlash(rel)))
		})
		if err == nil {
			for _, rel := range rels {
				if err = a.copyObject(ctx, path.Join(staging, rel), path.Join(final, rel)); err != nil {
					break
				}
			}
		}
		if err != nil {
			a.purgePrefix(ctx, final)
		}
		a.purgePrefix(ctx, staging)
		return err
	})
}

// stagingKey returns the hidden sibling prefix a tree is uploaded under
// before promotion. Browse skips dot entries, so the prefix stays invisible.
func stagingKey(k string) string {
	return path.Join(path.Dir(k), ".inflight-"+path.Base(k))
}

func (a *s3Adapter) copyObject(ctx context.Context, from, to string) error {
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		CopySource: aws.String(url.PathEscape(a.bucket + "/" + from)),
		Key:        aws.String(to),
	})
	if err != nil {
		return common.NewErrorf(common.ErrBackendUnavailable, "copy s3://%s/%s: %v", a.bucket, from, err)
	}
	return nil
}

// purgePrefix removes every object under prefix, best effort.
func (a *s3Adapter) purgePrefix(ctx context.Context, prefix string) {
	keys, err := a.keysUnder(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return
	}
	objs := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, types.ObjectIdentifier{Key: aws.String(k)})
	}
	if _, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
	}); err != nil {
		logging.Logger.Warn("cannot clear upload prefix",
			zap.String("bucket", a.bucket), zap.String("prefix", prefix), zap.Error(err))
	}
}

func (a *s3Adapter) putFile(ctx context.Context, uploader *manager.Uploader, local, objKey string) error {
	f, err := os.Open(local)
	if err != nil {
		return mapFSError(local, err)
	}
	defer f.Close()
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(objKey),
		Body:   f,
	})
	if err != nil {
		var mu manager.MultiUploadFailure
		if errors.As(err, &mu) {
			return common.NewErrorf(common.ErrBackendUnavailable,
				"multipart upload failed (upload_id %s): %v", mu.UploadID(), mu)
		}
		return common.NewErrorf(common.ErrBackendUnavailable, "upload s3://%s/%s: %v", a.bucket, objKey, err)
	}
	return nil
}

func (a *s3Adapter) DeletePath(ctx context.Context, p string) error {
	keys, err := a.keysUnder(ctx, p)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return common.NewErrorf(common.ErrNotFound, "%s does not exist in bucket %s", p, a.bucket)
	}
	objs := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, types.ObjectIdentifier{Key: aws.String(k)})
	}
	return withRetry(ctx, 0, func() error {
		_, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return common.NewErrorf(common.ErrBackendUnavailable, "delete in bucket %s: %v", a.bucket, err)
		}
		return nil
	})
}

func (a *s3Adapter) Browse(ctx context.Context, p string) (*Listing, error) {
	prefix := key(p)
	if prefix != "" {
		prefix += "/"
	}
	var entries []Entry
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, common.NewErrorf(common.ErrBackendUnavailable, "list bucket %s: %v", a.bucket, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, Entry{Name: name, Directory: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			entries = append(entries, Entry{
				Name:     name,
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return NewListing(entries), nil
}

// keysUnder resolves a path to object keys: the exact key if it exists,
// otherwise every key under it as a prefix.
func (a *s3Adapter) keysUnder(ctx context.Context, p string) ([]string, error) {
	k := key(p)
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(k),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, common.NewErrorf(common.ErrBackendUnavailable, "list bucket %s: %v", a.bucket, err)
		}
		for _, obj := range page.Contents {
			got := aws.ToString(obj.Key)
			if got == k || strings.HasPrefix(got, k+"/") {
				keys = append(keys, got)
			}
		}
	}
	return keys, nil
}
