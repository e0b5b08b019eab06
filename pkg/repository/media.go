package repository

import (
	"context"
	"fmt"
	"io"
	"net/url"

	firebase "firebase.google.com/go/v4"
	"github.com/pkg/errors"

	gcs "cloud.google.com/go/storage"
)

// uploadChunkSize is how much is copied between progress callbacks.
const uploadChunkSize = 256 * 1024

// FirebaseBlobStore uploads media to the project's default storage bucket.
type FirebaseBlobStore struct {
	bucket     *gcs.BucketHandle
	bucketName string
}

func NewFirebaseBlobStore(ctx context.Context, app *firebase.App) (*FirebaseBlobStore, error) {
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage client")
	}
	bucket, err := client.DefaultBucket()
	if err != nil {
		return nil, errors.Wrap(err, "resolving default bucket")
	}
	attrs, err := bucket.Attrs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading bucket attributes")
	}
	return &FirebaseBlobStore{bucket: bucket, bucketName: attrs.Name}, nil
}

// Upload streams r into the bucket in fixed-size chunks, reporting progress
// after each one. Cancelling ctx aborts the writer; the object never becomes
// visible. The resumable-session granularity is the writer's chunk size, so a
// cancelled transfer costs at most one chunk of wasted upstream bandwidth.
func (s *FirebaseBlobStore) Upload(ctx context.Context, path, contentType string, r io.Reader, size int64, onProgress func(transferred int64)) (string, error) {
	obj := s.bucket.Object(path)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = uploadChunkSize

	buf := make([]byte, uploadChunkSize)
	var transferred int64
	for {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return "", err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				_ = w.Close()
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				return "", errors.Wrap(err, "writing to bucket")
			}
			transferred += int64(n)
			if onProgress != nil {
				onProgress(transferred)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = w.Close()
			return "", errors.Wrap(readErr, "reading upload source")
		}
	}
	if err := w.Close(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.Wrap(err, "finalizing upload")
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, url.PathEscape(path)), nil
}
