package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack/engine/cmd/worker/executor"
	"github.com/flowstack/engine/common/bootstrap"
	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/engine"
	"github.com/flowstack/engine/common/llm"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/registry"
	"github.com/flowstack/engine/common/repository"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	workerID := workerName()
	components.Logger.Info("worker starting", "worker_id", workerID)

	runExecutor, err := buildExecutor(components)
	if err != nil {
		components.Logger.Error("failed to build executor", "error", err)
		os.Exit(1)
	}

	runQueue := queue.New(components.Redis, components.Config.Queue, components.Logger)
	fleet := queue.NewFleet(components.Redis, components.Config.Queue, components.Logger)

	errChan := make(chan error, 1)

	// Heartbeats keep the api's fleet summary current
	go fleet.RunBeats(ctx, workerID, queue.RoleExecution)

	go func() {
		components.Logger.Info("starting run consumer", "worker_id", workerID)
		if err := runQueue.Consume(ctx, workerID, runExecutor.Handle); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("run consumer error: %w", err)
		}
	}()

	components.Logger.Info("worker started", "worker_id", workerID)

	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("worker shutting down gracefully")
}

// buildExecutor wires the dispatcher and its collaborators
func buildExecutor(components *bootstrap.Components) (*executor.RunExecutor, error) {
	log := components.Logger

	var mapper *llm.Mapper
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		var err error
		mapper, err = llm.NewFromAPIKey(apiKey, llm.Opts{
			Cache:  components.Redis,
			Logger: log,
		})
		if err != nil {
			return nil, fmt.Errorf("init llm mapper: %w", err)
		}
	} else {
		log.Info("OPENAI_API_KEY not set, llm features disabled")
	}

	var completer connector.Completer
	if mapper != nil {
		completer = mapper
	}
	runtime := connector.NewRuntime(connector.Opts{
		Logger:     log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Completer:  completer,
	})

	index, err := registry.New(registry.BuiltinCatalog(), runtime.Support())
	if err != nil {
		return nil, fmt.Errorf("build capability index: %w", err)
	}

	connections := repository.NewConnectionRepository(components.DB)

	var valueMapper engine.ValueMapper
	if mapper != nil {
		valueMapper = mapper
	}
	dispatcher := engine.NewDispatcher(engine.DispatcherOpts{
		Config:      components.Config.Engine,
		Index:       index,
		Runtime:     runtime,
		Credentials: connections,
		Mapper:      valueMapper,
		Logger:      log,
	})

	return executor.New(executor.Opts{
		Workflows:  repository.NewWorkflowRepository(components.DB),
		Runs:       repository.NewRunRepository(components.DB),
		Dispatcher: dispatcher,
		Index:      index,
		Redis:      components.Redis,
		Logger:     log,
	}), nil
}

// workerName derives a stable-enough consumer name for this process
func workerName() string {
	if name := os.Getenv("WORKER_ID"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}
