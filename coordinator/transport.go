package coordinator

import (
	"context"

	"github.com/metalwire/metalwire/api"
)

// AgentTransport carries coordinator traffic to rack agents. The production
// implementation speaks HTTP to the agent's Addr; tests use an in-process
// implementation.
type AgentTransport interface {
	// Apply delivers a compiled configuration document to the rack agent.
	// Adoption on the agent is all-or-nothing: on error the agent keeps
	// whatever it was serving before.
	Apply(ctx context.Context, rack *api.RackController, doc *api.ConfigDocument) error

	// Status reports what the agent currently holds for a VLAN.
	Status(ctx context.Context, rack *api.RackController, vlanID string) (*api.ServingStatus, error)

	// Ping checks agent liveness.
	Ping(ctx context.Context, rack *api.RackController) error
}
