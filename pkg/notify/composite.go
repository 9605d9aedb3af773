package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrNoChildNotifiers = errors.New("composite notifier requires at least one child notifier")

// Composite fans a notification out to every backend. All backends are
// attempted regardless of individual failures; the first error is
// returned so the caller sees delivery was incomplete.
type Composite struct {
	notifiers []Notifier
}

func NewComposite(notifiers ...Notifier) *Composite {
	return &Composite{notifiers: notifiers}
}

func (c *Composite) Notify(ctx context.Context, notification Notification, logger *slog.Logger) error {
	var firstErr error

	for _, notifier := range c.notifiers {
		if err := notifier.Notify(ctx, notification, logger); err != nil {
			logger.Warn("notification backend failed", "error", err)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// CreateFunc builds a notifier by its registered ID. The registry's
// CreateNotifier satisfies it; the factory stays decoupled from the
// registry package itself.
type CreateFunc func(ctx context.Context, notifierID string, config map[string]any) (Notifier, error)

// CompositeNotifierFactory builds a Composite from a config listing the
// child backends by their registered IDs.
type CompositeNotifierFactory struct {
	create CreateFunc
}

func NewCompositeNotifierFactory(create CreateFunc) *CompositeNotifierFactory {
	return &CompositeNotifierFactory{create: create}
}

func (*CompositeNotifierFactory) ID() string {
	return "composite"
}

func (*CompositeNotifierFactory) Name() string {
	return "Composite"
}

func (*CompositeNotifierFactory) Description() string {
	return "Fans each notification out to a list of other notification backends."
}

func (f *CompositeNotifierFactory) Create(ctx context.Context, config map[string]any) (Notifier, error) {
	children, _ := config["notifiers"].([]any)
	if len(children) == 0 {
		return nil, ErrNoChildNotifiers
	}

	notifiers := make([]Notifier, 0, len(children))

	for _, raw := range children {
		child, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("composite notifier entry must be an object, got %T", raw)
		}

		id, _ := child["id"].(string)
		if id == "" {
			return nil, errors.New("composite notifier entry requires an id")
		}

		childConfig, _ := child["config"].(map[string]any)

		notifier, err := f.create(ctx, id, childConfig)
		if err != nil {
			return nil, fmt.Errorf("composite notifier backend '%s': %w", id, err)
		}

		notifiers = append(notifiers, notifier)
	}

	return NewComposite(notifiers...), nil
}

func (f *CompositeNotifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"notifiers": map[string]any{
				"type":        "array",
				"description": "Child backends, each created through the registry by id.",
				"minItems":    1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "Registered notifier ID, e.g. log or webhook.",
						},
						"config": map[string]any{
							"type":        "object",
							"description": "Configuration passed to the child's factory.",
						},
					},
					"required": []string{"id"},
				},
			},
		},
		"required": []string{"notifiers"},
	}
}
