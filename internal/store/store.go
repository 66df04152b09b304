// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides a rate-limited accessor over the object store a
// workflow streams its logs and completion markers into.
package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"golang.org/x/sync/semaphore"

	"github.com/faasr-go/monitor/internal/telemetry/log"
	"github.com/faasr-go/monitor/pkg/faasrerrors"
)

// Accessor is the object-store surface the rest of the monitor depends on.
// Implementations must cap in-flight requests and must never retry.
type Accessor interface {
	// Exists probes for object existence. A missing object returns
	// (false, nil); any other failure is a *faasrerrors.StoreError.
	Exists(ctx context.Context, key string) (bool, error)

	// Get reads the object's contents as UTF-8 text. A missing object
	// fails with a StoreError of kind StoreNotFound.
	Get(ctx context.Context, key string) (string, error)
}

// Config configures an S3Accessor.
type Config struct {
	Bucket   string
	Endpoint string
	Region   string

	// AccessKey and SecretKey are the static credentials backing the
	// client (sourced from the S3_AccessKey / S3_SecretKey environment
	// variables by the caller).
	AccessKey string
	SecretKey string

	// Capacity is the number of in-flight requests permitted at once.
	// Default 10.
	Capacity int64

	// AcquireTimeout bounds how long a caller waits for a free token
	// before failing with StoreError{Busy}. Default 20s.
	AcquireTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Capacity <= 0 {
		out.Capacity = 10
	}
	if out.AcquireTimeout <= 0 {
		out.AcquireTimeout = 20 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// S3Accessor is an Accessor backed by an S3-compatible object store,
// admission-controlled by a weighted semaphore acting as a fixed-size
// token pool.
type S3Accessor struct {
	client  *s3.Client
	bucket  string
	tokens  *semaphore.Weighted
	waitFor time.Duration
	logger  *slog.Logger
}

// NewS3Accessor constructs an accessor from cfg. It loads the AWS SDK
// default config chain, overriding credentials with the supplied static
// key pair and the endpoint/region from cfg.
func NewS3Accessor(ctx context.Context, cfg Config) (*S3Accessor, error) {
	cfg2 := cfg.withDefaults()

	region := cfg2.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg2.AccessKey != "" && cfg2.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg2.AccessKey, cfg2.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &faasrerrors.InitializationError{Reason: "failed to load AWS config", Cause: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg2.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg2.Endpoint)
		}
		o.UsePathStyle = cfg2.Endpoint != ""
	})

	return &S3Accessor{
		client:  client,
		bucket:  cfg2.Bucket,
		tokens:  semaphore.NewWeighted(cfg2.Capacity),
		waitFor: cfg2.AcquireTimeout,
		logger:  cfg2.Logger,
	}, nil
}

// acquire blocks until a token is free or waitFor elapses, whichever comes
// first. Exceeding the wait surfaces StoreError{Busy}.
func (a *S3Accessor) acquire(ctx context.Context, key string) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.waitFor)
	defer cancel()

	if err := a.tokens.Acquire(waitCtx, 1); err != nil {
		return &faasrerrors.StoreError{Kind: faasrerrors.StoreBusy, Key: key, Cause: err}
	}
	return nil
}

func (a *S3Accessor) release() {
	a.tokens.Release(1)
}

// Exists implements Accessor.
func (a *S3Accessor) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.acquire(ctx, key); err != nil {
		return false, err
	}
	defer a.release()

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFoundErr(err) {
		return false, nil
	}
	a.logger.Warn("store head failed", slog.String(log.KeyKey, key), log.Error(err))
	return false, &faasrerrors.StoreError{Kind: faasrerrors.StoreBackend, Key: key, Cause: err}
}

// Get implements Accessor.
func (a *S3Accessor) Get(ctx context.Context, key string) (string, error) {
	if err := a.acquire(ctx, key); err != nil {
		return "", err
	}
	defer a.release()

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return "", &faasrerrors.StoreError{Kind: faasrerrors.StoreNotFound, Key: key, Cause: err}
		}
		a.logger.Warn("store get failed", slog.String(log.KeyKey, key), log.Error(err))
		return "", &faasrerrors.StoreError{Kind: faasrerrors.StoreBackend, Key: key, Cause: err}
	}
	defer out.Body.Close()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, rerr := out.Body.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if rerr != nil {
			if rerr != io.EOF {
				a.logger.Warn("store get body read failed", slog.String(log.KeyKey, key), log.Error(rerr))
				return "", &faasrerrors.StoreError{Kind: faasrerrors.StoreBackend, Key: key, Cause: rerr}
			}
			break
		}
	}
	return string(buf), nil
}

// isNotFoundErr reports whether err represents a missing object: GetObject
// surfaces this as a typed *types.NoSuchKey, while HeadObject (which HEADs
// rather than GETs) only ever returns an untyped 404 response error.
func isNotFoundErr(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
