package container

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/flowstack/engine/cmd/api/service"
	"github.com/flowstack/engine/common/bootstrap"
	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/engine"
	"github.com/flowstack/engine/common/llm"
	"github.com/flowstack/engine/common/metadata"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/quota"
	"github.com/flowstack/engine/common/registry"
	"github.com/flowstack/engine/common/repository"
)

// Container holds all services, built once at startup
type Container struct {
	Components *bootstrap.Components

	Index       *registry.Index
	Runtime     *connector.Runtime
	Mapper      *llm.Mapper
	Dispatcher  *engine.Dispatcher
	Queue       *queue.Queue
	HealthProbe *queue.HealthProbe
	Fleet       *queue.Fleet
	Admission   *queue.Admission
	Metadata    *metadata.Resolver

	Workflows   *repository.WorkflowRepository
	Runs        *repository.RunRepository
	Connections *repository.ConnectionRepository

	WorkflowService  *service.WorkflowService
	ExecutionService *service.ExecutionService
}

// NewContainer wires every service from the bootstrapped components
func NewContainer(components *bootstrap.Components) (*Container, error) {
	c := &Container{Components: components}
	cfg := components.Config
	log := components.Logger

	c.Workflows = repository.NewWorkflowRepository(components.DB)
	c.Runs = repository.NewRunRepository(components.DB)
	c.Connections = repository.NewConnectionRepository(components.DB)

	// The LLM mapper is optional; without an API key llm.complete nodes
	// and llm-mapped parameters fail at runtime with a clear error
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		mapper, err := llm.NewFromAPIKey(apiKey, llm.Opts{
			Cache:  components.Redis,
			Logger: log,
		})
		if err != nil {
			return nil, fmt.Errorf("init llm mapper: %w", err)
		}
		c.Mapper = mapper
	} else {
		log.Info("OPENAI_API_KEY not set, llm features disabled")
	}

	var completer connector.Completer
	if c.Mapper != nil {
		completer = c.Mapper
	}
	c.Runtime = connector.NewRuntime(connector.Opts{
		Logger:     log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Completer:  completer,
	})

	index, err := registry.New(registry.BuiltinCatalog(), c.Runtime.Support())
	if err != nil {
		return nil, fmt.Errorf("build capability index: %w", err)
	}
	c.Index = index

	var mapper engine.ValueMapper
	if c.Mapper != nil {
		mapper = c.Mapper
	}
	c.Dispatcher = engine.NewDispatcher(engine.DispatcherOpts{
		Config:      cfg.Engine,
		Index:       c.Index,
		Runtime:     c.Runtime,
		Credentials: c.Connections,
		Mapper:      mapper,
		Logger:      log,
	})

	c.Queue = queue.New(components.Redis, cfg.Queue, log)
	c.HealthProbe = queue.NewHealthProbe(components.Redis, cfg.Queue, log)
	c.Fleet = queue.NewFleet(components.Redis, cfg.Queue, log)

	quotas := quota.NewChecker(components.Redis.Underlying(), cfg.Quota, log)

	c.WorkflowService = service.NewWorkflowService(c.Workflows, c.Index, log)

	c.ExecutionService = service.NewExecutionService(service.ExecutionOpts{
		Workflows:  c.Workflows,
		Runs:       c.Runs,
		Queue:      c.Queue,
		Redis:      components.Redis,
		Dispatcher: c.Dispatcher,
		Workflow:   c.WorkflowService,
		Logger:     log,
	})

	// Admission checks workflow existence through the execution service
	c.Admission = queue.NewAdmission(c.HealthProbe, c.Fleet, c.ExecutionService, quotas, log)
	c.ExecutionService.SetAdmission(c.Admission)

	c.Metadata = metadata.NewResolver(c.Index, c.Connections.Resolve, log)

	return c, nil
}
