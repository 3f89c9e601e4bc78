/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/hearthwatch/hearthwatch/pkg/models"
)

// ObjectClient is the object-store surface the uploader depends on;
// satisfied by S3Client and by test fakes.
type ObjectClient interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
	Confirm(ctx context.Context, key string) error
}

// S3Client talks to any S3-compatible store. A custom endpoint covers
// Cloudflare R2 and MinIO; empty endpoint uses AWS proper.
type S3Client struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Client builds the client from object-store configuration.
func NewS3Client(ctx context.Context, cfg models.ObjectStoreConfig) (*S3Client, error) {
	region := cfg.Region
	if region == "" {
		// R2 and most S3 clones accept "auto".
		region = "auto"
		if cfg.Endpoint == "" {
			region = "us-east-1"
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Upload writes the object. Re-uploading the same key is idempotent, so a
// retry after an ambiguous failure is safe.
func (c *S3Client) Upload(ctx context.Context, key, contentType string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	return nil
}

// Confirm verifies the object landed by heading it.
func (c *S3Client) Confirm(ctx context.Context, key string) error {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}

	return nil
}

// isPermanent classifies an object-store error. Auth and client errors can
// never succeed on retry; everything else (5xx, throttling, network) is
// treated as transient.
func isPermanent(err error) bool {
	var re *smithyhttp.ResponseError
	if !errors.As(err, &re) {
		return false
	}

	code := re.HTTPStatusCode()
	if code == http.StatusTooManyRequests {
		return false
	}

	return code >= 400 && code < 500
}
