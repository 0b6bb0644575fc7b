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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/stratforge/stratforge/pkg/agents"
)

// LocalConfig configures LocalProcessSandbox.
type LocalConfig struct {
	// Runner is the command invoked with the staged strategy, e.g.
	// "python3" or a path to a wrapper script that loads it.
	Runner string

	// BaseDir is where per-run directories are created. Defaults to
	// os.TempDir() when empty.
	BaseDir string

	// MaxMemoryBytes caps the runner's address space via `ulimit -v`.
	// Zero disables the cap.
	MaxMemoryBytes int64

	// MaxCPUSeconds caps the runner's CPU time via `ulimit -t`. Zero
	// disables the cap.
	MaxCPUSeconds int

	// DefaultTimeout is used when a RunRequest doesn't set
	// TimeoutSeconds.
	DefaultTimeout time.Duration

	// Env is appended to the restricted PATH/HOME environment handed
	// to the runner.
	Env []string
}

// LocalProcessSandbox runs a strategy's tests as a subprocess of this
// process, under a restricted PATH and resource limits applied with
// `ulimit` ahead of exec. It trades the container backend's isolation
// for a zero-dependency development path: no network namespacing, and
// filesystem isolation only as strong as the run directory itself.
//
// Grounded on the teacher's commandtool.CommandTool: a `sh -c` wrapped
// exec.CommandContext, deny-by-default posture, and a hard wall-clock
// timeout are kept; the allow/deny command-pattern lists are dropped
// since the runner here is a single fixed, operator-configured command
// rather than arbitrary agent-chosen shell text.
type LocalProcessSandbox struct {
	cfg LocalConfig
}

// NewLocalProcessSandbox builds a LocalProcessSandbox from cfg,
// defaulting BaseDir to os.TempDir() and DefaultTimeout to 30s.
func NewLocalProcessSandbox(cfg LocalConfig) *LocalProcessSandbox {
	if cfg.BaseDir == "" {
		cfg.BaseDir = os.TempDir()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &LocalProcessSandbox{cfg: cfg}
}

// Run stages req's artifact and fixtures, then executes the configured
// runner under a wall-clock timeout and ulimit-enforced resource caps.
func (s *LocalProcessSandbox) Run(ctx context.Context, req agents.RunRequest) (agents.RunResult, error) {
	if s.cfg.Runner == "" {
		return agents.RunResult{}, fmt.Errorf("sandbox: no runner configured")
	}

	run, err := stageRun(s.cfg.BaseDir, req)
	if err != nil {
		return agents.RunResult{}, err
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := s.ulimitScript(runnerArgs(run, req))
	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	cmd.Dir = run.dir
	cmd.Env = s.restrictedEnv(run)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := agents.RunResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: duration.Seconds(),
		ArtifactsDir:    run.outDir,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.InfrastructureError = fmt.Errorf("sandbox: wall-clock timeout after %s", timeout)
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.InfrastructureError = fmt.Errorf("sandbox: exec failed: %w", runErr)
	}

	return result, nil
}

// ulimitScript builds a `sh -c` line that caps memory and CPU time
// ahead of exec'ing the runner, so the limits apply to the runner
// process itself rather than the shell wrapping it.
func (s *LocalProcessSandbox) ulimitScript(args []string) string {
	var b []string
	if s.cfg.MaxMemoryBytes > 0 {
		b = append(b, fmt.Sprintf("ulimit -v %d", s.cfg.MaxMemoryBytes/1024))
	}
	if s.cfg.MaxCPUSeconds > 0 {
		b = append(b, fmt.Sprintf("ulimit -t %d", s.cfg.MaxCPUSeconds))
	}
	cmdline := shellJoin(append([]string{s.cfg.Runner}, args...))
	b = append(b, "exec "+cmdline)
	out := b[0]
	for _, stmt := range b[1:] {
		out += "; " + stmt
	}
	return out
}

func (s *LocalProcessSandbox) restrictedEnv(run stagedRun) []string {
	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + run.dir}
	return append(env, s.cfg.Env...)
}
