// Copyright 2025 Kadir Pekel
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

package artifactstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/stratforge/stratforge/pkg/agents"
)

// S3Store is an S3-compatible backend for Store, content-addressed the
// same way LocalStore is: an object per unique content hash, a
// manifest per (workflow_id, task_id, attempt_id) pointing at it.
//
// Grounded on volaticloud's internal/s3.Client: minio-go wrapping a
// single bucket, StatObject-before-write existence checks, and
// minio.ToErrorResponse for distinguishing "not found" from a real
// transport failure.
type S3Store struct {
	mc     *minio.Client
	bucket string
}

// NewS3Store dials an S3-compatible endpoint per cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := ValidateS3Config(cfg); err != nil {
		return nil, err
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifactstore: create minio client: %w", err)
	}

	return &S3Store{mc: mc, bucket: cfg.Bucket}, nil
}

func objectKey(ref string) string {
	return "objects/" + ref
}

func manifestKey(workflowID, taskID string, attempt int) string {
	return fmt.Sprintf("manifests/%s/%s/%d/manifest.json", workflowID, taskID, attempt)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Put writes content's object and manifest if this attempt has never
// been written, returns the existing ref unchanged on an identical
// rewrite, and fails with *ErrAttemptExists on a conflicting one.
func (s *S3Store) Put(ctx context.Context, workflowID, taskID string, attempt int, content []byte) (string, error) {
	ref := contentRef(content)
	mKey := manifestKey(workflowID, taskID, attempt)

	existing, err := s.mc.GetObject(ctx, s.bucket, mKey, minio.GetObjectOptions{})
	if err == nil {
		data, readErr := io.ReadAll(existing)
		_ = existing.Close()
		if readErr == nil {
			if m, parseErr := unmarshalManifest(data); parseErr == nil {
				if m.Ref != ref {
					return "", &ErrAttemptExists{WorkflowID: workflowID, TaskID: taskID, Attempt: attempt, ExistingRef: m.Ref}
				}
				return ref, nil
			}
		}
	}

	oKey := objectKey(ref)
	if _, statErr := s.mc.StatObject(ctx, s.bucket, oKey, minio.StatObjectOptions{}); statErr != nil {
		if !isNoSuchKey(statErr) {
			return "", fmt.Errorf("artifactstore: stat object s3://%s/%s: %w", s.bucket, oKey, statErr)
		}
		if _, err := s.mc.PutObject(ctx, s.bucket, oKey, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{}); err != nil {
			return "", fmt.Errorf("artifactstore: put object s3://%s/%s: %w", s.bucket, oKey, err)
		}
	}

	m := manifest{Ref: ref, WorkflowID: workflowID, TaskID: taskID, Attempt: attempt, Size: len(content), CreatedAt: time.Now().UTC()}
	data, err := marshalManifest(m)
	if err != nil {
		return "", err
	}
	if _, err := s.mc.PutObject(ctx, s.bucket, mKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("artifactstore: put manifest s3://%s/%s: %w", s.bucket, mKey, err)
	}

	return ref, nil
}

// Get reads back the attempt's content for replay.
func (s *S3Store) Get(ctx context.Context, workflowID, taskID string, attempt int) ([]byte, error) {
	mKey := manifestKey(workflowID, taskID, attempt)
	mObj, err := s.mc.GetObject(ctx, s.bucket, mKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifactstore: get manifest s3://%s/%s: %w", s.bucket, mKey, err)
	}
	defer mObj.Close()

	raw, err := io.ReadAll(mObj)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: read manifest s3://%s/%s: %w", s.bucket, mKey, err)
	}
	m, err := unmarshalManifest(raw)
	if err != nil {
		return nil, err
	}

	oKey := objectKey(m.Ref)
	obj, err := s.mc.GetObject(ctx, s.bucket, oKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("artifactstore: get object s3://%s/%s: %w", s.bucket, oKey, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: read object s3://%s/%s: %w", s.bucket, oKey, err)
	}
	return content, nil
}

// EnsureBucket creates the configured bucket if it doesn't already
// exist.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("artifactstore: check bucket existence: %w", err)
	}
	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("artifactstore: create bucket %q: %w", s.bucket, err)
		}
	}
	return nil
}

var (
	_ Store                = (*S3Store)(nil)
	_ agents.ArtifactWriter = (*S3Store)(nil)
)
