// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package blobstore is a content-addressed, append-only blob store.
// Blobs are identified by the sha256 of their content; existing
// content is never overwritten, so a given ref is immutable.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// A Ref identifies a stored blob by content hash, in the form
// "sha256:<hex>".
type Ref string

// ErrNotFound is returned by Get for a ref that has never been put.
var ErrNotFound = errors.New("blob not found")

// RefOf computes the ref for the given content.
func RefOf(data []byte) Ref {
	return Ref(fmt.Sprintf("sha256:%x", sha256.Sum256(data)))
}

// Valid reports whether the ref is well formed.
func (r Ref) Valid() bool {
	hex := strings.TrimPrefix(string(r), "sha256:")
	if hex == string(r) || len(hex) != 64 {
		return false
	}
	for _, c := range hex {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (r Ref) hexDigest() string {
	return strings.TrimPrefix(string(r), "sha256:")
}

// A Store holds immutable content-addressed blobs.
type Store interface {
	// Put stores data and returns its ref. If the content already
	// exists, Put returns the existing ref without writing.
	Put(ctx context.Context, data []byte) (Ref, error)
	// Get returns the content for ref, or ErrNotFound.
	Get(ctx context.Context, ref Ref) ([]byte, error)
}
