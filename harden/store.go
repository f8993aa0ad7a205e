// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package harden implements the resilient-storage collaborators used
// by the operation pipeline's hardening phase: a completed operation's
// durable outputs are copied to a Store before the operation is
// considered durable at commit.
package harden

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

// A Store persists operation outputs by key.
type Store interface {
	// Put durably stores data under key, overwriting any previous
	// value.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key has a stored value.
	Exists(ctx context.Context, key string) (bool, error)
}

// retryPolicy is the backoff applied to hardening uploads.
var retryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// maxPutRetries bounds upload attempts before the failure is
// surfaced.
const maxPutRetries = 5

// Retrying wraps a store so that Put retries transient failures with
// backoff.
func Retrying(store Store) Store {
	return &retryingStore{store}
}

type retryingStore struct {
	Store
}

func (s *retryingStore) Put(ctx context.Context, key string, data []byte) error {
	var err error
	for retries := 0; retries < maxPutRetries; retries++ {
		if err = s.Store.Put(ctx, key, data); err == nil {
			return nil
		}
		if rerr := retry.Wait(ctx, retryPolicy, retries); rerr != nil {
			return rerr
		}
	}
	return err
}

// A LocalStore persists under a directory. It stands in for an object
// store in tests and single-node deployments.
type LocalStore struct {
	Dir string
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.Dir, key)
}

// Put implements Store.
func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	// Write-then-rename so a concurrent Get never observes a torn
	// value.
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".harden")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := ioutil.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, errors.E(errors.NotExist, "harden: "+key)
	}
	return data, err
}

// Exists implements Store.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
