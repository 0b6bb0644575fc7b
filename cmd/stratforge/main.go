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

// Command stratforge wires the orchestrator, agents, router and
// sandbox together and either serves the HTTP API or runs one TodoList
// to completion from the command line.
//
// Usage:
//
//	stratforge serve --catalog-path keys.yaml --sandbox-runner ./runner
//	stratforge run --catalog-path keys.yaml --sandbox-runner ./runner --todo-list-path workflow.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/stratforge/stratforge/pkg/httpapi"
	"github.com/stratforge/stratforge/pkg/logger"
	"github.com/stratforge/stratforge/pkg/orchestrator"
	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// Exit codes for the CLI front-end: 0 success, 1 workflow failed after
// max iterations, 2 invalid TodoList, 3 all keys exhausted, 4 sandbox
// infrastructure error.
const (
	exitSuccess           = 0
	exitFailedAfterIters  = 1
	exitInvalidTodoList   = 2
	exitAllKeysExhausted  = 3
	exitSandboxInfraError = 4
)

// CLI is the top-level kong command set. Flags are shared by both
// subcommands since both need the full dependency graph wired up.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Start the HTTP API server."`
	Run   RunCmd   `cmd:"" help:"Execute one TodoList to completion and exit."`

	CatalogPath    string `help:"Path to the YAML key catalog file." type:"path" required:""`
	SecretPrefix   string `help:"Env var prefix the secrets store reads key material from." default:"STRATFORGE_SECRET"`
	ProviderURL    string `help:"Chat-completions API base URL used by every cataloged key." default:"https://api.openai.com/v1"`
	SandboxRunner  string `help:"Path to the strategy runner executable invoked inside the sandbox." required:""`
	SandboxBaseDir string `help:"Scratch directory the local sandbox stages runs under." type:"path"`
	ArtifactDir    string `help:"Local artifact store root (used when --s3-bucket is unset)." type:"path" default:".stratforge/artifacts"`
	S3Bucket       string `help:"S3-compatible bucket name; when set, artifacts are stored there instead of locally."`
	S3Endpoint     string `help:"S3-compatible endpoint host:port."`
	S3AccessKey    string `help:"S3-compatible access key id." env:"STRATFORGE_S3_ACCESS_KEY"`
	S3SecretKey    string `help:"S3-compatible secret access key." env:"STRATFORGE_S3_SECRET_KEY"`
	RedisAddr      string `help:"Redis address for the message bus; empty uses an in-process bus."`
	LogLevel       string `help:"Log level (debug, info, warn, error)." default:"info"`
	MaxIterations  int    `help:"IterativeLoop iteration cap." default:"5"`
	ArchitectModel string `help:"model_preference passed to send_chat for architect tasks." default:"default"`
	CoderModel     string `help:"model_preference passed to send_chat for coder tasks." default:"default"`
	DebuggerModel  string `help:"model_preference passed to send_chat for debugger diagnosis." default:"default"`
	UserRPM        int64  `help:"Ingress per-user requests-per-minute limit (0 disables ingress limiting)." default:"60"`
}

// ServeCmd starts the long-running HTTP API.
type ServeCmd struct {
	Addr string `help:"Listen address." default:":8080"`
}

// RunCmd executes a single TodoList and exits with a code reflecting
// its Outcome.
type RunCmd struct {
	TodoListPath string `help:"Path to the TodoList JSON file." type:"path" required:""`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("stratforge"),
		kong.Description("Deterministic strategy-backtesting agent pipeline"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(exitInvalidTodoList)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	deps, err := buildDeps(ctx, cli)
	if err != nil {
		slog.Error("failed to build dependencies", "error", err)
		os.Exit(exitInvalidTodoList)
	}
	defer deps.Close()

	if err := deps.startWorkers(ctx); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(exitInvalidTodoList)
	}

	if err := kctx.Run(ctx, deps, &cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitInvalidTodoList)
	}
}

// Run starts the HTTP API and blocks until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, deps *dependencies, cli *CLI) error {
	srv := httpapi.NewServer(httpapi.Config{
		Runner:        deps,
		MaxIterations: cli.MaxIterations,
		Limiter:       deps.limiter,
	})

	httpServer := &http.Server{
		Addr:         c.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("stratforge http api listening", "addr", c.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// Run loads the TodoList, drives it to completion in-process, prints
// the terminal Result, and exits the process with the code spec.md §6
// assigns to that Result's Outcome.
func (c *RunCmd) Run(ctx context.Context, deps *dependencies, cli *CLI) error {
	raw, err := os.ReadFile(c.TodoListPath)
	if err != nil {
		slog.Error("cannot read todo list", "error", err)
		os.Exit(exitInvalidTodoList)
	}
	var list orchestrator.TodoList
	if err := json.Unmarshal(raw, &list); err != nil {
		slog.Error("malformed todo list", "error", err)
		os.Exit(exitInvalidTodoList)
	}

	state, err := deps.orch.CreateWorkflow(list, cli.MaxIterations)
	if err != nil {
		slog.Error("invalid todo list", "error", err)
		os.Exit(exitInvalidTodoList)
	}

	result := deps.loop.RunIterative(ctx, state)

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	os.Exit(exitCodeFor(result))
	return nil
}

// exitCodeFor maps a terminal orchestrator.Result onto the exit codes
// spec.md §6 defines for the CLI front-end.
func exitCodeFor(result orchestrator.Result) int {
	switch result.Outcome {
	case orchestrator.OutcomeSuccess:
		return exitSuccess
	case orchestrator.OutcomeFailedAfterIters:
		return exitFailedAfterIters
	case orchestrator.OutcomeAborted:
		switch kind, ok := stratforgeerr.KindOf(result.Err); {
		case ok && kind == stratforgeerr.KindAllKeysExhausted:
			return exitAllKeysExhausted
		case ok && kind == stratforgeerr.KindSandboxError:
			return exitSandboxInfraError
		default:
			return exitInvalidTodoList
		}
	default:
		return exitFailedAfterIters
	}
}
