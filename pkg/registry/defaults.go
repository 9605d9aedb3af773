package registry

import (
	"github.com/stagehand/stagehand/pkg/agent"
	"github.com/stagehand/stagehand/pkg/notify"
	"github.com/stagehand/stagehand/pkg/verify"
)

// RegisterDefaults registers the built-in adapter factories.
func (r *Registry) RegisterDefaults() {
	r.RegisterAgent(agent.NewExecAgentFactory())
	r.RegisterAgent(agent.NewStubAgentFactory())

	r.RegisterVerifier(verify.NewCommandVerifierFactory())
	r.RegisterVerifier(verify.NewStaticVerifierFactory())

	r.RegisterNotifier(notify.NewLogNotifierFactory())
	r.RegisterNotifier(notify.NewWebhookNotifierFactory())
	r.RegisterNotifier(notify.NewSlackNotifierFactory())
	r.RegisterNotifier(notify.NewRedisNotifierFactory())
	r.RegisterNotifier(notify.NewCompositeNotifierFactory(r.CreateNotifier))
}
