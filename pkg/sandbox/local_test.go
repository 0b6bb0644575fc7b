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

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/agents"
)

func writeTempArtifact(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocalProcessSandbox_Run_CleanExitReportsZeroAndArtifactsDir(t *testing.T) {
	sb := NewLocalProcessSandbox(LocalConfig{
		Runner:  "sh",
		BaseDir: t.TempDir(),
	})

	artifact := writeTempArtifact(t, "# strategy placeholder\n")

	result, err := sb.Run(context.Background(), agents.RunRequest{
		ArtifactPath:   artifact,
		TimeoutSeconds: 5,
	})

	require.NoError(t, err)
	assert.Nil(t, result.InfrastructureError)
	// `sh <strategy> --fixtures-dir ... --out-dir ... --seed 0` runs the
	// staged file as a shell script; it has no shebang-relevant content
	// so it exits 0 having done nothing.
	assert.Equal(t, 0, result.ExitCode)
	assert.NotEmpty(t, result.ArtifactsDir)
}

func TestLocalProcessSandbox_Run_NonZeroExitSurfacesInExitCode(t *testing.T) {
	sb := NewLocalProcessSandbox(LocalConfig{
		Runner:  "sh",
		BaseDir: t.TempDir(),
	})

	artifact := writeTempArtifact(t, "echo boom 1>&2\nexit 3\n")

	result, err := sb.Run(context.Background(), agents.RunRequest{
		ArtifactPath:   artifact,
		TimeoutSeconds: 5,
	})

	require.NoError(t, err)
	assert.Nil(t, result.InfrastructureError)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "boom")
}

func TestLocalProcessSandbox_Run_WallClockTimeoutSetsInfrastructureError(t *testing.T) {
	sb := NewLocalProcessSandbox(LocalConfig{
		Runner:         "sh",
		BaseDir:        t.TempDir(),
		DefaultTimeout: 50 * time.Millisecond,
	})

	artifact := writeTempArtifact(t, "sleep 5\n")

	result, err := sb.Run(context.Background(), agents.RunRequest{ArtifactPath: artifact})

	require.NoError(t, err)
	require.Error(t, result.InfrastructureError)
}

func TestLocalProcessSandbox_Run_MissingArtifactPathIsAGoError(t *testing.T) {
	sb := NewLocalProcessSandbox(LocalConfig{Runner: "sh", BaseDir: t.TempDir()})

	_, err := sb.Run(context.Background(), agents.RunRequest{})
	assert.Error(t, err)
}

func TestLocalProcessSandbox_Run_FixturesAreStagedOnDisk(t *testing.T) {
	// $2 is the fixtures directory: the argument right after --fixtures-dir.
	artifact := writeTempArtifact(t, "cat \"$2/prices.csv\"\n")

	sb := NewLocalProcessSandbox(LocalConfig{Runner: "sh", BaseDir: t.TempDir()})
	result, err := sb.Run(context.Background(), agents.RunRequest{
		ArtifactPath: artifact,
		Fixtures:     map[string]string{"prices.csv": "timestamp,close\n1,100\n"},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "timestamp,close")
}

func TestShellQuote_EscapesEmbeddedSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
