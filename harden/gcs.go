// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package harden

import (
	"context"
	"io/ioutil"
	"path"

	"cloud.google.com/go/storage"
	"github.com/grailbio/base/errors"
)

// A GCSStore persists operation outputs in a Google Cloud Storage
// bucket under a key prefix.
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore returns a store backed by the given bucket and prefix.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix}
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(path.Join(s.prefix, key))
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	w := s.object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, errors.E(errors.NotExist, "harden: gcs: "+key)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// Exists implements Store.
func (s *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	return err == nil, err
}
