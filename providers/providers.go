// Package providers assembles the trigger provider registry from the
// capability records the runtime ships with. The ingress and the worker
// build the registry through the same call so intake validation and worker
// routing can never disagree about which providers exist.
package providers

import (
	"github.com/proliferate-ai/proliferate/providers/automation"
	"github.com/proliferate-ai/proliferate/providers/custom"
	"github.com/proliferate-ai/proliferate/providers/githubapp"
	"github.com/proliferate-ai/proliferate/providers/gmail"
	"github.com/proliferate-ai/proliferate/providers/nango"
	"github.com/proliferate-ai/proliferate/providers/posthog"
	"github.com/proliferate-ai/proliferate/providers/schedule"
	"github.com/proliferate-ai/proliferate/runtime/trigger"
)

// Registry builds the provider registry. Records that poll through the
// Nango proxy register only when a client is available; everything else is
// unconditional.
func Registry(nangoClient *nango.Client) *trigger.Registry {
	reg := trigger.NewRegistry()
	reg.MustRegister(custom.Provider())
	reg.MustRegister(posthog.Provider())
	reg.MustRegister(automation.Provider())
	reg.MustRegister(githubapp.Provider())
	reg.MustRegister(schedule.Provider())
	reg.MustRegister(nango.Linear())
	if nangoClient != nil {
		reg.MustRegister(gmail.Provider(nangoClient))
	}
	return reg
}
