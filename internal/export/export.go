// Package export uploads mirror roots to an S3 bucket.
package export

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awss3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// DigestMetadataKey is the object metadata entry holding the SHA-256
// digest of the uploaded content.
const DigestMetadataKey = "sha256"

const defaultConcurrency = 8

// API is the subset of the S3 client used by Exporter.
type API interface {
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// NewS3Client creates an S3 client from the default AWS configuration.
// A non-empty endpoint selects an S3-compatible service addressed with
// path-style URLs.
func NewS3Client(ctx context.Context, endpoint, region string) (*awss3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	if endpoint != "" && awscfg.Region == "" {
		awscfg.Region = "us-east-1"
	}

	return awss3.NewFromConfig(awscfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Stats summarizes one Export.
type Stats struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// Exporter copies a mirror root into a bucket.
type Exporter struct {
	api         API
	bucket      string
	prefix      string
	concurrency int
}

// New creates an Exporter.  Object keys are prefix followed by the
// slash-separated path below the mirror root.
func New(api API, bucket, prefix string, concurrency int) *Exporter {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Exporter{
		api:         api,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		concurrency: concurrency,
	}
}

// Key returns the object key of rel.
func (e *Exporter) Key(rel string) string {
	if e.prefix == "" {
		return rel
	}
	return path.Join(e.prefix, rel)
}

// Export uploads every file below root whose object is missing or
// carries a different digest.
//
// Channel manifests are uploaded last, after every artifact, so the
// bucket never serves a manifest that references a missing object.
// Hidden files and directories are skipped.
func (e *Exporter) Export(ctx context.Context, root string) (*Stats, error) {
	var artifacts, manifests []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(d.Name(), "channel-rust-") {
			manifests = append(manifests, rel)
		} else {
			artifacts = append(artifacts, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Export")
	}
	sort.Strings(artifacts)
	sort.Strings(manifests)

	var uploaded, skipped, size atomic.Int64
	for _, batch := range [][]string{artifacts, manifests} {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, rel := range batch {
			rel := rel
			g.Go(func() error {
				n, done, err := e.exportFile(gctx, root, rel)
				if err != nil {
					return errors.Wrap(err, rel)
				}
				if done {
					uploaded.Add(1)
					size.Add(n)
				} else {
					skipped.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	stats := &Stats{
		Uploaded: int(uploaded.Load()),
		Skipped:  int(skipped.Load()),
		Bytes:    size.Load(),
	}
	slog.Info("export finished", "bucket", e.bucket, "prefix", e.prefix,
		"uploaded", stats.Uploaded, "skipped", stats.Skipped, "bytes", stats.Bytes)
	return stats, nil
}

// exportFile uploads rel unless the bucket already has it.  It returns
// the uploaded size and whether an upload happened.
func (e *Exporter) exportFile(ctx context.Context, root, rel string) (int64, bool, error) {
	local := filepath.Join(root, filepath.FromSlash(rel))

	digest, ok := dist.ReadHashRecord(local)
	if !ok {
		if digest, ok = dist.FileDigest(local); !ok {
			return 0, false, errors.Newf("cannot read %s", local)
		}
	}

	key := e.Key(rel)
	head, err := e.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		if head.Metadata[DigestMetadataKey] == digest {
			slog.Debug("object up to date", "bucket", e.bucket, "key", key)
			return 0, false, nil
		}
	case isNotFound(err):
	default:
		return 0, false, errors.Wrapf(err, "HeadObject %s", key)
	}

	f, err := os.Open(local) // #nosec G304 - path below the mirror root
	if err != nil {
		return 0, false, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, false, err
	}

	input := &awss3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		Metadata:      map[string]string{DigestMetadataKey: digest},
	}
	if ct := contentType(rel); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := e.api.PutObject(ctx, input); err != nil {
		return 0, false, errors.Wrapf(err, "PutObject %s", key)
	}
	slog.Info("uploaded", "bucket", e.bucket, "key", key, "size", fi.Size())
	return fi.Size(), true, nil
}

func isNotFound(err error) bool {
	var nf *awss3types.NotFound
	var nsk *awss3types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func contentType(rel string) string {
	switch {
	case strings.HasSuffix(rel, ".toml"):
		return "application/toml"
	case strings.HasSuffix(rel, dist.HashRecordExt), strings.HasSuffix(rel, ".asc"):
		return "text/plain; charset=utf-8"
	}
	return ""
}
