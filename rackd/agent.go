// Package rackd implements the rack controller agent. The agent holds at
// most one active DHCP configuration document per VLAN, adopts new documents
// atomically, and answers the region's liveness and status probes.
package rackd

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/log"
)

// ErrStaleVersion is returned by Apply when the offered document was compiled
// from an older topology version than the one already applied. Racks only
// ever move forward.
var ErrStaleVersion = errors.New("configuration version is older than the applied one")

// Service applies an adopted configuration document to the local DHCP
// daemon. A nil Service means the agent only tracks documents in memory.
type Service interface {
	Reload(ctx context.Context, doc *api.ConfigDocument) error
}

type vlanConfig struct {
	doc     *api.ConfigDocument
	serving bool
}

// Agent is the rack-side endpoint for coordinator pushes.
type Agent struct {
	sessionID string
	service   Service

	mu    sync.Mutex
	vlans map[string]*vlanConfig
}

// New creates an agent. The session ID distinguishes agent restarts in logs
// on both ends.
func New(service Service) *Agent {
	return &Agent{
		sessionID: uuid.New().String(),
		service:   service,
		vlans:     make(map[string]*vlanConfig),
	}
}

// SessionID returns the agent's session identifier.
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Apply adopts a configuration document for its VLAN. Adoption is
// all-or-nothing: if reloading the DHCP service fails, the previously applied
// document stays active. Documents older than the applied one are rejected
// with ErrStaleVersion; equal versions are re-applied, since host
// reservations can change without a topology version bump.
func (a *Agent) Apply(ctx context.Context, doc *api.ConfigDocument) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.vlans[doc.VLANID]
	if cur != nil && doc.Version.Index < cur.doc.Version.Index {
		return errors.Wrapf(ErrStaleVersion, "applied %d, offered %d",
			cur.doc.Version.Index, doc.Version.Index)
	}
	if a.service != nil {
		if err := a.service.Reload(ctx, doc); err != nil {
			return errors.Wrap(err, "reloading dhcp service")
		}
	}
	a.vlans[doc.VLANID] = &vlanConfig{doc: doc.Copy(), serving: true}
	log.G(ctx).WithFields(logrus.Fields{
		"vlan":    doc.VLANID,
		"version": doc.Version.Index,
		"session": a.sessionID,
	}).Info("configuration applied")
	return nil
}

// Status reports what the agent holds for a VLAN. A VLAN the agent has never
// seen reports a zero version and not serving.
func (a *Agent) Status(vlanID string) *api.ServingStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := &api.ServingStatus{VLANID: vlanID}
	if c := a.vlans[vlanID]; c != nil {
		st.Version = c.doc.Version
		st.Serving = c.serving
	}
	return st
}

// Document returns a copy of the applied document for a VLAN, or nil.
func (a *Agent) Document(vlanID string) *api.ConfigDocument {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.vlans[vlanID]; c != nil {
		return c.doc.Copy()
	}
	return nil
}
