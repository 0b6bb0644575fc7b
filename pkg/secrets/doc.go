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

// Package secrets provides the abstract, read-only SecretStore boundary
// and a pattern-based scanner for detecting secret-like values that
// escaped into generated artifacts or logs.
//
// SecretStore is a lookup, never a cache: every KeyManager fetch of a
// key's material is a fresh call, so a backend can rotate or revoke a
// secret without any component holding a stale copy. Only EnvStore is
// implemented here, matching STRATFORGE_SECRET_STORE=env. The vault and
// aws/azure backends named by configuration are deployment concerns: a
// vault- or cloud-secret-manager-backed SecretStore is a thin adapter
// satisfying the same one-method interface, added when such a deployment
// target exists, so no client SDK for them is wired in this tree.
package secrets
