// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package blobstore

import (
	"context"
	"sync"
)

// A MemoryStore keeps blobs in process memory. Suitable for tests and
// single-node deployments.
type MemoryStore struct {
	mtx   sync.RWMutex
	blobs map[Ref][]byte
	puts  int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[Ref][]byte{}}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := RefOf(data)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.blobs[ref]; ok {
		return ref, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[ref] = buf
	s.puts++
	return ref, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Len returns the number of distinct blobs stored.
func (s *MemoryStore) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.blobs)
}

// Writes returns the number of Put calls that actually wrote new
// content, i.e. excluding deduplicated puts.
func (s *MemoryStore) Writes() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.puts
}
