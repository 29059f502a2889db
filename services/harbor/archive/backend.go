// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/renameio"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Backend stores archive objects by name.
//
// # Description
//
// Put is callback-style so every backend can make the write atomic:
// the object becomes visible only when the callback returns nil and
// the commit succeeds. A failed callback leaves nothing behind.
//
// # Thread Safety
//
// Implementations are safe for concurrent use on distinct names.
type Backend interface {
	// Put writes one object. The callback receives the destination
	// writer; returning an error aborts the write.
	Put(ctx context.Context, name string, write func(io.Writer) error) error

	// Get opens one object for reading. Returns ErrNotFound when the
	// object does not exist. Callers own Close.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns object names with the given suffix, sorted.
	List(ctx context.Context, suffix string) ([]string, error)
}

// -----------------------------------------------------------------------------
// Local directory
// -----------------------------------------------------------------------------

// LocalBackend stores objects as files under one directory. Writes go
// through a temp file and an atomic rename, so readers never see a
// partial object.
type LocalBackend struct {
	dir    string
	logger *slog.Logger
}

// NewLocalBackend creates a backend rooted at dir, creating it if
// needed.
func NewLocalBackend(dir string, logger *slog.Logger) (*LocalBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive: empty backend dir")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	return &LocalBackend{
		dir:    dir,
		logger: logger.With(slog.String("component", "archive")),
	}, nil
}

// Dir returns the backend's root directory.
func (b *LocalBackend) Dir() string {
	return b.dir
}

func (b *LocalBackend) Put(ctx context.Context, name string, write func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(b.dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer t.Cleanup()

	if err := write(t); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit object %s: %w", name, err)
	}
	return nil
}

func (b *LocalBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(b.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", name, err)
	}
	return f, nil
}

func (b *LocalBackend) List(ctx context.Context, suffix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(b.dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive dir: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// -----------------------------------------------------------------------------
// Google Cloud Storage
// -----------------------------------------------------------------------------

// GCSBackend stores objects in a GCS bucket under an optional prefix.
// GCS object writes are already atomic: the object appears only after
// a successful Close.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSBackend connects to a bucket. Credentials come from the
// environment (application default credentials) unless overridden via
// opts, e.g. option.WithCredentialsFile.
func NewGCSBackend(ctx context.Context, bucket, prefix string, logger *slog.Logger, opts ...option.ClientOption) (*GCSBackend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: empty bucket name")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "archive")),
	}, nil
}

// Close releases the storage client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

// object resolves a name under the configured prefix.
func (b *GCSBackend) object(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

func (b *GCSBackend) Put(ctx context.Context, name string, write func(io.Writer) error) error {
	// A cancelable context is the abort mechanism: cancelling before
	// Close discards the upload instead of committing a partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(b.object(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if err := write(w); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit object gs://%s/%s: %w", b.bucket, b.object(name), err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := b.client.Bucket(b.bucket).Object(b.object(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open object gs://%s/%s: %w", b.bucket, b.object(name), err)
	}
	return r, nil
}

func (b *GCSBackend) List(ctx context.Context, suffix string) ([]string, error) {
	query := &storage.Query{}
	if b.prefix != "" {
		query.Prefix = b.prefix + "/"
	}

	var names []string
	it := b.client.Bucket(b.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", b.bucket, err)
		}
		name := strings.TrimPrefix(attrs.Name, query.Prefix)
		if strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
