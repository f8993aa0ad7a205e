// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package harden

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/grailbio/testutil/assert"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store := &LocalStore{Dir: t.TempDir()}
	ctx := context.Background()
	ok, err := store.Exists(ctx, "task/1")
	assert.NoError(t, err)
	if ok {
		t.Fatal("fresh store has key")
	}
	assert.NoError(t, store.Put(ctx, "task/1", []byte("outputs")))
	ok, err = store.Exists(ctx, "task/1")
	assert.NoError(t, err)
	if !ok {
		t.Fatal("stored key missing")
	}
	data, err := store.Get(ctx, "task/1")
	assert.NoError(t, err)
	if !bytes.Equal(data, []byte("outputs")) {
		t.Errorf("got %q, want %q", data, "outputs")
	}
	// Overwrite.
	assert.NoError(t, store.Put(ctx, "task/1", []byte("v2")))
	data, err = store.Get(ctx, "task/1")
	assert.NoError(t, err)
	assert.EQ(t, string(data), "v2")
}

func TestLocalStoreMissing(t *testing.T) {
	store := &LocalStore{Dir: t.TempDir()}
	if _, err := store.Get(context.Background(), "no/such/key"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

// flakyStore fails the first failures Puts, then delegates.
type flakyStore struct {
	Store
	failures int
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("transient store failure")
	}
	return s.Store.Put(ctx, key, data)
}

func TestRetryingPut(t *testing.T) {
	inner := &flakyStore{Store: &LocalStore{Dir: t.TempDir()}, failures: 2}
	store := Retrying(inner)
	ctx := context.Background()
	assert.NoError(t, store.Put(ctx, "k", []byte("v")))
	data, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.EQ(t, string(data), "v")
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &flakyStore{Store: &LocalStore{Dir: t.TempDir()}, failures: 100}
	store := Retrying(inner)
	if err := store.Put(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("put must surface persistent failure")
	}
}
