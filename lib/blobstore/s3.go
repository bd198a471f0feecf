// Copyright (C) The Spotpool Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/spotpool/spotpool/sdk/go/spotpool"
)

// An S3Store keeps blobs in an S3 bucket, one object per blob, keyed
// by hash under a configurable prefix.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Store builds an S3Store from blobstore configuration, loading
// AWS credentials from the default chain.
func NewS3Store(ctx context.Context, c spotpool.BlobstoreConfig) (*S3Store, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.S3.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awscfg)
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     c.S3.Bucket,
		prefix:     strings.TrimSuffix(c.S3.Prefix, "/"),
	}, nil
}

func (s *S3Store) key(ref Ref) string {
	hex := ref.hexDigest()
	if s.prefix == "" {
		return hex[:2] + "/" + hex
	}
	return s.prefix + "/" + hex[:2] + "/" + hex
}

// Put implements Store. Existing objects are left untouched: content
// addressing makes a second write of the same data a no-op, so we
// check with HeadObject first and skip the upload entirely.
func (s *S3Store) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := RefOf(data)
	key := s.key(ref)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("head %s: %w", key, err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return ref, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, ref Ref) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", s.key(ref), err)
	}
	return buf.Bytes(), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
