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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratforge/stratforge/pkg/agents"
	"github.com/stratforge/stratforge/pkg/artifactstore"
	"github.com/stratforge/stratforge/pkg/bus"
	"github.com/stratforge/stratforge/pkg/conversation"
	"github.com/stratforge/stratforge/pkg/httpclient"
	"github.com/stratforge/stratforge/pkg/keymanager"
	"github.com/stratforge/stratforge/pkg/llmclient"
	"github.com/stratforge/stratforge/pkg/llmrouter"
	"github.com/stratforge/stratforge/pkg/orchestrator"
	"github.com/stratforge/stratforge/pkg/ratelimit"
	"github.com/stratforge/stratforge/pkg/sandbox"
	"github.com/stratforge/stratforge/pkg/secrets"
)

// dependencies holds every component buildDeps wires together. It
// implements httpapi.Runner directly so a Server can drive workflows
// through it without a separate adapter type.
type dependencies struct {
	messageBus    bus.Bus
	redisClient   *redis.Client
	catalogSource *keymanager.FileCatalogSource
	keyManager    *keymanager.Manager
	router        *llmrouter.Router
	artifacts     agents.ArtifactWriter
	sandboxImpl   agents.Sandbox
	dispatcher    *agents.BusDispatcher
	orch          *orchestrator.Orchestrator
	loop          *orchestrator.IterativeLoop
	limiter       ratelimit.RateLimiter

	// architectModel and coderModel are the model_preference values
	// startWorkers hands the generative agents.
	architectModel string
	coderModel     string
}

// CreateWorkflow implements httpapi.Runner.
func (d *dependencies) CreateWorkflow(list orchestrator.TodoList, maxIterations int) (*orchestrator.WorkflowState, error) {
	return d.orch.CreateWorkflow(list, maxIterations)
}

// RunIterative implements httpapi.Runner.
func (d *dependencies) RunIterative(ctx context.Context, state *orchestrator.WorkflowState) orchestrator.Result {
	return d.loop.RunIterative(ctx, state)
}

// Close releases every resource buildDeps opened, in the reverse order
// they were acquired.
func (d *dependencies) Close() error {
	if d.messageBus != nil {
		_ = d.messageBus.Close()
	}
	if d.catalogSource != nil {
		_ = d.catalogSource.Close()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
	return nil
}

// buildDeps constructs the full dependency graph from cli's flags: key
// catalog, secrets, router, artifact store, sandbox, message bus, and
// the orchestrator/IterativeLoop sitting on top of a BusDispatcher.
func buildDeps(ctx context.Context, cli CLI) (*dependencies, error) {
	secretStore := secrets.NewEnvStore(cli.SecretPrefix)

	var rlStore ratelimit.Store
	var redisClient *redis.Client
	if cli.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cli.RedisAddr})
		rlStore = ratelimit.NewRedisStore(redisClient, "stratforge")
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}
	reserver := ratelimit.NewKeyReserver(rlStore)

	catalogSource, err := keymanager.NewFileCatalogSource(cli.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("build key catalog source: %w", err)
	}
	km, err := keymanager.NewFromSource(ctx, catalogSource, secretStore, reserver)
	if err != nil {
		return nil, fmt.Errorf("load key catalog: %w", err)
	}

	httpC := httpclient.New(httpclient.WithHeaderParser(llmclient.OpenAICompatParseHeaders))
	llmC := llmclient.NewHTTPClient(httpC, cli.ProviderURL, llmclient.OpenAICompatBuildRequest, llmclient.OpenAICompatParseResponse, llmclient.BearerAuth)
	convStore := conversation.NewMemoryStore()
	router := llmrouter.New(km, convStore, llmC, llmrouter.DefaultConfig())

	artifacts, err := buildArtifactStore(cli)
	if err != nil {
		return nil, err
	}

	sandboxImpl := sandbox.NewLocalProcessSandbox(sandbox.LocalConfig{
		Runner:  cli.SandboxRunner,
		BaseDir: cli.SandboxBaseDir,
	})

	var messageBus bus.Bus
	if cli.RedisAddr != "" {
		messageBus = bus.NewRedisBus(redisClient, "stratforge")
	} else {
		messageBus = bus.NewMemoryBus(256)
	}

	dispatcher, err := agents.NewBusDispatcher(ctx, messageBus)
	if err != nil {
		return nil, fmt.Errorf("build bus dispatcher: %w", err)
	}

	orch := orchestrator.New(dispatcher)
	debugger := agents.NewDebugger(router, cli.DebuggerModel)
	loop := orchestrator.NewIterativeLoop(orch, debugger)

	limiter, err := buildIngressLimiter(cli)
	if err != nil {
		return nil, err
	}

	return &dependencies{
		messageBus:    messageBus,
		redisClient:   redisClient,
		catalogSource: catalogSource,
		keyManager:    km,
		router:        router,
		artifacts:     artifacts,
		sandboxImpl:   sandboxImpl,
		dispatcher:    dispatcher,
		orch:          orch,
		loop:          loop,
		limiter:       limiter,

		architectModel: cli.ArchitectModel,
		coderModel:     cli.CoderModel,
	}, nil
}

func buildArtifactStore(cli CLI) (agents.ArtifactWriter, error) {
	if cli.S3Bucket != "" {
		return artifactstore.NewS3Store(artifactstore.S3Config{
			Endpoint:        cli.S3Endpoint,
			Bucket:          cli.S3Bucket,
			AccessKeyID:     cli.S3AccessKey,
			SecretAccessKey: cli.S3SecretKey,
		})
	}
	return artifactstore.NewLocalStore(cli.ArtifactDir)
}

func buildIngressLimiter(cli CLI) (ratelimit.RateLimiter, error) {
	if cli.UserRPM <= 0 {
		return nil, nil
	}
	store := ratelimit.NewMemoryStore()
	return ratelimit.NewRateLimiter(&ratelimit.Config{
		Enabled: true,
		Limits: []ratelimit.LimitRule{
			{Type: ratelimit.LimitTypeCount, Window: ratelimit.WindowMinute, Limit: cli.UserRPM},
		},
	}, store)
}

// startWorkers subscribes one Executor per agent role to the bus, plus
// a combined handler for AGENT_REQUESTS (architect and coder share that
// channel per bus.Channel's documented minimum set). The Debugger is
// not wired here: IterativeLoop invokes it directly in-process, never
// over the bus.
func (d *dependencies) startWorkers(ctx context.Context) error {
	architect, err := agents.NewGenerativeAgent(agents.RoleArchitect, d.router, d.artifacts, d.architectModel)
	if err != nil {
		return fmt.Errorf("build architect agent: %w", err)
	}
	coder, err := agents.NewGenerativeAgent(agents.RoleCoder, d.router, d.artifacts, d.coderModel)
	if err != nil {
		return fmt.Errorf("build coder agent: %w", err)
	}
	tester := agents.NewTester(d.sandboxImpl)

	executors := map[agents.Role]agents.Executor{
		agents.RoleArchitect: architect,
		agents.RoleCoder:     coder,
	}
	if err := d.messageBus.Subscribe(ctx, bus.ChannelAgentRequests, "generative-agents", routeByRole(d.messageBus, executors)); err != nil {
		return fmt.Errorf("subscribe architect/coder worker: %w", err)
	}

	if err := agents.RunWorker(ctx, d.messageBus, agents.RoleTester, "tester", tester); err != nil {
		return fmt.Errorf("subscribe tester worker: %w", err)
	}

	return nil
}

// routeByRole builds a bus.Handler that reads the event's AgentRole,
// decodes the TaskRequest, hands it to the matching Executor, and
// publishes the TaskResult — the dispatch agents.RunWorker can't do on
// its own since AGENT_REQUESTS multiplexes more than one role.
func routeByRole(b bus.Bus, executors map[agents.Role]agents.Executor) bus.Handler {
	return func(ctx context.Context, event bus.Event) error {
		role := agents.Role(event.AgentRole)
		executor, ok := executors[role]
		if !ok {
			return nil
		}

		var req agents.TaskRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil
		}

		result := executor.Execute(ctx, req)
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}

		return b.Publish(ctx, bus.ChannelTaskResults, bus.Event{
			EventID:       event.EventID + ":result",
			CorrelationID: event.CorrelationID,
			WorkflowID:    result.WorkflowID,
			TaskID:        result.TaskID,
			EventType:     "task_result",
			AgentRole:     event.AgentRole,
			Payload:       payload,
			Timestamp:     time.Now(),
		})
	}
}
