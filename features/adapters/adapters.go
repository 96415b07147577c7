// Package adapters assembles the action adapter registry from the backends
// configured at boot. Both service binaries run an action engine (the
// ingress for human decisions, the worker for grant auto-approvals), so
// they share one assembly path.
package adapters

import (
	"fmt"

	"github.com/proliferate-ai/proliferate/features/adapters/linear"
	"github.com/proliferate-ai/proliferate/features/adapters/slack"
	"github.com/proliferate-ai/proliferate/runtime/action"
)

// Options selects which adapters register. Empty credentials leave the
// matching adapter out; executing an invocation for an unregistered adapter
// fails the invocation rather than the process.
type Options struct {
	// SlackToken enables the Slack adapter.
	SlackToken string
	// Nango enables the Linear adapter, which executes through the Nango
	// proxy.
	Nango linear.ProxyClient
}

// Registry builds the adapter registry for the configured backends.
func Registry(opts Options) (*action.AdapterRegistry, error) {
	reg := action.NewAdapterRegistry()
	if opts.SlackToken != "" {
		a, err := slack.New(slack.Options{Token: opts.SlackToken})
		if err != nil {
			return nil, fmt.Errorf("slack adapter: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	if opts.Nango != nil {
		a, err := linear.New(linear.Options{Client: opts.Nango})
		if err != nil {
			return nil, fmt.Errorf("linear adapter: %w", err)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
