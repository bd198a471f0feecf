// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package blobstore

import (
	"context"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&MemoryStoreSuite{})

type MemoryStoreSuite struct {
	store *MemoryStore
}

func (s *MemoryStoreSuite) SetUpTest(c *check.C) {
	s.store = NewMemoryStore()
}

func (s *MemoryStoreSuite) TestPutGet(c *check.C) {
	ctx := context.Background()
	ref, err := s.store.Put(ctx, []byte("hello"))
	c.Assert(err, check.IsNil)
	c.Check(ref.Valid(), check.Equals, true)
	c.Check(ref, check.Equals, RefOf([]byte("hello")))

	got, err := s.store.Get(ctx, ref)
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "hello")
}

func (s *MemoryStoreSuite) TestGetMissing(c *check.C) {
	_, err := s.store.Get(context.Background(), RefOf([]byte("never stored")))
	c.Check(err, check.Equals, ErrNotFound)
}

func (s *MemoryStoreSuite) TestAppendOnlyDeduplication(c *check.C) {
	ctx := context.Background()
	ref1, err := s.store.Put(ctx, []byte("same"))
	c.Assert(err, check.IsNil)
	ref2, err := s.store.Put(ctx, []byte("same"))
	c.Assert(err, check.IsNil)
	c.Check(ref1, check.Equals, ref2)
	// The second put must not write again.
	c.Check(s.store.Writes(), check.Equals, 1)
	c.Check(s.store.Len(), check.Equals, 1)
}

func (s *MemoryStoreSuite) TestImmutability(c *check.C) {
	ctx := context.Background()
	data := []byte("original")
	ref, err := s.store.Put(ctx, data)
	c.Assert(err, check.IsNil)
	// Mutating the caller's buffer must not affect stored content.
	data[0] = 'X'
	got, err := s.store.Get(ctx, ref)
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "original")
}

func (s *MemoryStoreSuite) TestRefValidation(c *check.C) {
	c.Check(Ref("sha256:deadbeef").Valid(), check.Equals, false)
	c.Check(Ref("md5:d41d8cd98f00b204e9800998ecf8427e").Valid(), check.Equals, false)
	c.Check(RefOf(nil).Valid(), check.Equals, true)
}
