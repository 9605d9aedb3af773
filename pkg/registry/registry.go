// Package registry holds the adapter factories a deployment can build
// its agents, verifiers and notifiers from. Factories register under a
// unique ID; configuration is validated against the factory's JSON
// schema before the adapter is created.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/stagehand/stagehand/pkg/agent"
	"github.com/stagehand/stagehand/pkg/notify"
	"github.com/stagehand/stagehand/pkg/verify"
)

type Registry struct {
	logger            *slog.Logger
	agentFactories    map[string]agent.Factory
	verifierFactories map[string]verify.Factory
	notifierFactories map[string]notify.Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger.With("module", "registry"),
		agentFactories:    make(map[string]agent.Factory),
		verifierFactories: make(map[string]verify.Factory),
		notifierFactories: make(map[string]notify.Factory),
	}
}

func (r *Registry) RegisterAgent(factory agent.Factory) {
	r.agentFactories[factory.ID()] = factory
}

func (r *Registry) RegisterVerifier(factory verify.Factory) {
	r.verifierFactories[factory.ID()] = factory
}

func (r *Registry) RegisterNotifier(factory notify.Factory) {
	r.notifierFactories[factory.ID()] = factory
}

// CreateAgent builds the agent registered under agentID after validating
// config against the factory's schema.
func (r *Registry) CreateAgent(ctx context.Context, agentID string, config map[string]any) (agent.Agent, error) {
	factory, ok := r.agentFactories[agentID]
	if !ok {
		return nil, fmt.Errorf("agent type '%s' not registered", agentID)
	}

	if err := validateConfig(factory.Schema(), config); err != nil {
		return nil, fmt.Errorf("agent '%s' config: %w", agentID, err)
	}

	return factory.Create(ctx, config)
}

// CreateVerifier builds the verifier registered under verifierID.
func (r *Registry) CreateVerifier(ctx context.Context, verifierID string, config map[string]any) (verify.Verifier, error) {
	factory, ok := r.verifierFactories[verifierID]
	if !ok {
		return nil, fmt.Errorf("verifier type '%s' not registered", verifierID)
	}

	if err := validateConfig(factory.Schema(), config); err != nil {
		return nil, fmt.Errorf("verifier '%s' config: %w", verifierID, err)
	}

	return factory.Create(ctx, config)
}

// CreateNotifier builds the notifier registered under notifierID.
func (r *Registry) CreateNotifier(ctx context.Context, notifierID string, config map[string]any) (notify.Notifier, error) {
	factory, ok := r.notifierFactories[notifierID]
	if !ok {
		return nil, fmt.Errorf("notifier type '%s' not registered", notifierID)
	}

	if err := validateConfig(factory.Schema(), config); err != nil {
		return nil, fmt.Errorf("notifier '%s' config: %w", notifierID, err)
	}

	return factory.Create(ctx, config)
}

// AvailableAgents lists the registered agent IDs.
func (r *Registry) AvailableAgents() []string {
	ids := make([]string, 0, len(r.agentFactories))
	for id := range r.agentFactories {
		ids = append(ids, id)
	}

	return ids
}

// AvailableVerifiers lists the registered verifier IDs.
func (r *Registry) AvailableVerifiers() []string {
	ids := make([]string, 0, len(r.verifierFactories))
	for id := range r.verifierFactories {
		ids = append(ids, id)
	}

	return ids
}

// AvailableNotifiers lists the registered notifier IDs.
func (r *Registry) AvailableNotifiers() []string {
	ids := make([]string, 0, len(r.notifierFactories))
	for id := range r.notifierFactories {
		ids = append(ids, id)
	}

	return ids
}

// HealthCheck reports whether the registry can serve adapters at all: a
// deployment without at least one agent factory cannot run any stage.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.agentFactories) == 0 {
		return "no agent factories registered", false
	}

	return fmt.Sprintf("%d agents, %d verifiers, %d notifiers",
		len(r.agentFactories), len(r.verifierFactories), len(r.notifierFactories)), true
}

// validateConfig checks config against schema. A nil or empty schema
// accepts anything; factories opt in to validation by describing
// themselves.
func validateConfig(schema, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(details, "; "))
	}

	return nil
}
