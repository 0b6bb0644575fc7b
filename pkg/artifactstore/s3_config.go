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

import "errors"

// S3Config holds connection settings for any S3-compatible endpoint
// (AWS S3, MinIO, Backblaze B2, ...).
type S3Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// ValidateS3Config checks that cfg has everything needed to dial an
// S3-compatible endpoint.
func ValidateS3Config(cfg S3Config) error {
	if cfg.Endpoint == "" {
		return errors.New("artifactstore: s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return errors.New("artifactstore: s3 bucket is required")
	}
	if cfg.AccessKeyID == "" {
		return errors.New("artifactstore: s3 accessKeyId is required")
	}
	if cfg.SecretAccessKey == "" {
		return errors.New("artifactstore: s3 secretAccessKey is required")
	}
	return nil
}
