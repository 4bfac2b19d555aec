package rackd

import (
	"context"
	"sync"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/errdefs"
)

// InProcessTransport delivers coordinator traffic straight to in-memory
// agents. It serves single-process deployments and tests; SetDown simulates
// a rack dropping off the network.
type InProcessTransport struct {
	mu     sync.Mutex
	agents map[string]*Agent
	down   map[string]bool
}

// NewInProcessTransport creates an empty in-process transport.
func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{
		agents: make(map[string]*Agent),
		down:   make(map[string]bool),
	}
}

// Register attaches an agent under a rack controller ID.
func (t *InProcessTransport) Register(rackID string, agent *Agent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[rackID] = agent
}

// SetDown toggles reachability of a rack.
func (t *InProcessTransport) SetDown(rackID string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[rackID] = down
}

func (t *InProcessTransport) lookup(rackID string) (*Agent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down[rackID] {
		return nil, errdefs.ErrRackUnreachable(rackID, "rack is down")
	}
	agent, ok := t.agents[rackID]
	if !ok {
		return nil, errdefs.ErrRackUnreachable(rackID, "no agent registered")
	}
	return agent, nil
}

// Apply implements the coordinator's AgentTransport.
func (t *InProcessTransport) Apply(ctx context.Context, rack *api.RackController, doc *api.ConfigDocument) error {
	agent, err := t.lookup(rack.ID)
	if err != nil {
		return err
	}
	return agent.Apply(ctx, doc)
}

// Status implements the coordinator's AgentTransport.
func (t *InProcessTransport) Status(ctx context.Context, rack *api.RackController, vlanID string) (*api.ServingStatus, error) {
	agent, err := t.lookup(rack.ID)
	if err != nil {
		return nil, err
	}
	return agent.Status(vlanID), nil
}

// Ping implements the coordinator's AgentTransport.
func (t *InProcessTransport) Ping(ctx context.Context, rack *api.RackController) error {
	_, err := t.lookup(rack.ID)
	return err
}
