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

// Package sandbox runs one generated strategy's tests in isolation and
// reports back exit code, stdout and stderr, and where its artifacts
// landed. It has two backends: LocalProcessSandbox (a resource-limited
// subprocess, for development) and ContainerdSandbox (a namespaced,
// network-less container, for production), both satisfying
// pkg/agents.Sandbox.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stratforge/stratforge/pkg/agents"
)

// stagedRun is one request's materialized-on-disk working set: the
// strategy artifact plus its fixtures, ready for a runner to consume.
// Both backends stage the same layout so the runner entrypoint (built
// into the local PATH or baked into the sandbox image) sees identical
// input regardless of which backend executed it.
type stagedRun struct {
	dir          string // run root
	strategyPath string // runDir/strategy, the generated code under test
	fixturesDir  string // runDir/fixtures
	outDir       string // runDir/out, where test_report.json etc land
}

// stageRun materializes req's artifact and fixtures under a fresh
// directory beneath baseDir.
func stageRun(baseDir string, req agents.RunRequest) (stagedRun, error) {
	if req.ArtifactPath == "" {
		return stagedRun{}, fmt.Errorf("sandbox: run request has no artifact_path")
	}

	runDir, err := os.MkdirTemp(baseDir, "run-*")
	if err != nil {
		return stagedRun{}, fmt.Errorf("sandbox: create run dir: %w", err)
	}

	fixturesDir := filepath.Join(runDir, "fixtures")
	outDir := filepath.Join(runDir, "out")
	for _, d := range []string{fixturesDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return stagedRun{}, fmt.Errorf("sandbox: create %s: %w", d, err)
		}
	}

	source, err := os.ReadFile(req.ArtifactPath)
	if err != nil {
		return stagedRun{}, fmt.Errorf("sandbox: read artifact: %w", err)
	}
	strategyPath := filepath.Join(runDir, "strategy"+filepath.Ext(req.ArtifactPath))
	if err := os.WriteFile(strategyPath, source, 0o644); err != nil {
		return stagedRun{}, fmt.Errorf("sandbox: stage artifact: %w", err)
	}

	for name, content := range req.Fixtures {
		path := filepath.Join(fixturesDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return stagedRun{}, fmt.Errorf("sandbox: create fixture dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return stagedRun{}, fmt.Errorf("sandbox: stage fixture %s: %w", name, err)
		}
	}

	return stagedRun{dir: runDir, strategyPath: strategyPath, fixturesDir: fixturesDir, outDir: outDir}, nil
}

// runnerArgs builds the argument list every runner entrypoint accepts,
// regardless of backend: the staged strategy file, the fixtures and
// output directories, the determinism seed, and the selected tests.
func runnerArgs(run stagedRun, req agents.RunRequest) []string {
	args := []string{
		run.strategyPath,
		"--fixtures-dir", run.fixturesDir,
		"--out-dir", run.outDir,
		"--seed", strconv.FormatInt(req.RNGSeed, 10),
	}
	return append(args, req.Tests...)
}

// shellQuote wraps s in single quotes for safe interpolation into a
// `sh -c` command line, escaping any embedded single quote. Test names
// and artifact paths are not trusted shell input.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

var _ agents.Sandbox = (*LocalProcessSandbox)(nil)
var _ agents.Sandbox = (*ContainerdSandbox)(nil)
