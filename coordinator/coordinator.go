// Package coordinator drives DHCP service on rack controllers from the
// region. It watches the topology catalog, compiles configuration for VLANs
// with DHCP enabled and pushes it to the assigned racks, tracks rack liveness
// through heartbeats, and maintains the per-VLAN service state machine.
package coordinator

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/dhcpd"
	"github.com/metalwire/metalwire/errdefs"
	"github.com/metalwire/metalwire/heartbeat"
	"github.com/metalwire/metalwire/log"
)

const (
	defaultHeartbeatPeriod  = 10 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
	defaultFailureThreshold = 5 * time.Minute
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxPushRetries   = 4
)

// Config holds coordinator dependencies and tuning.
type Config struct {
	Catalog   *catalog.Catalog
	Transport AgentTransport

	// Clock drives liveness probing and failure threshold timing. Defaults
	// to the wall clock.
	Clock clock.Clock

	// HeartbeatPeriod is how often each rack agent is probed.
	HeartbeatPeriod time.Duration
	// HeartbeatTimeout is how long a rack may go unprobed before it is
	// considered down. Must exceed HeartbeatPeriod.
	HeartbeatTimeout time.Duration
	// FailureThreshold is how long a VLAN may have all of its racks
	// unreachable before it is marked failed.
	FailureThreshold time.Duration

	// InitialBackoff seeds the exponential backoff between push attempts.
	InitialBackoff time.Duration
	// MaxPushRetries bounds retries per rack per push.
	MaxPushRetries uint64
}

type vlanState struct {
	state api.VLANDHCPState

	// pushCtx/cancelPush identify the in-flight push, if any. A newer commit
	// cancels the old push before starting its own.
	pushCtx    context.Context
	cancelPush context.CancelFunc
	// pushVersion is the topology version the in-flight push compiled at.
	// A push may only supersede one of an older or equal version.
	pushVersion api.Version

	// bothDownSince is set while every rack serving the VLAN is unreachable.
	bothDownSince time.Time
}

type rackMonitor struct {
	rack   *api.RackController
	state  api.RackConnectionState
	hb     *heartbeat.Heartbeat
	cancel context.CancelFunc
}

// Coordinator is the region-side DHCP orchestrator.
type Coordinator struct {
	catalog          *catalog.Catalog
	transport        AgentTransport
	clock            clock.Clock
	hbPeriod         time.Duration
	hbTimeout        time.Duration
	failureThreshold time.Duration
	initialBackoff   time.Duration
	maxRetries       uint64

	mu    sync.Mutex
	vlans map[string]*vlanState
	racks map[string]*rackMonitor

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a coordinator. Run must be called for heartbeat monitoring and
// commit-driven pushes; Push and AssignRacks work without it.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("coordinator requires a catalog")
	}
	if cfg.Transport == nil {
		return nil, errors.New("coordinator requires an agent transport")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatPeriod {
		return nil, errors.New("heartbeat timeout must exceed the heartbeat period")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxPushRetries == 0 {
		cfg.MaxPushRetries = defaultMaxPushRetries
	}
	return &Coordinator{
		catalog:          cfg.Catalog,
		transport:        cfg.Transport,
		clock:            cfg.Clock,
		hbPeriod:         cfg.HeartbeatPeriod,
		hbTimeout:        cfg.HeartbeatTimeout,
		failureThreshold: cfg.FailureThreshold,
		initialBackoff:   cfg.InitialBackoff,
		maxRetries:       cfg.MaxPushRetries,
		vlans:            make(map[string]*vlanState),
		racks:            make(map[string]*rackMonitor),
		runCtx:           context.Background(),
	}, nil
}

// Run starts heartbeat monitors for registered racks, reconciles every
// DHCP-enabled VLAN once, then reacts to catalog commits until ctx is
// canceled. Commits for a VLAN supersede its in-flight push.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = log.WithModule(ctx, "coordinator")
	c.mu.Lock()
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.mu.Unlock()
	defer c.runCancel()

	eventq, cancelWatch := c.catalog.WatchQueue().Watch()
	defer cancelWatch()

	var racks []*api.RackController
	var enabled []*api.VLAN
	c.catalog.View(func(tx catalog.ReadTx) {
		racks = tx.Racks()
		for _, v := range tx.VLANs() {
			if v.DHCPOn {
				enabled = append(enabled, v)
			}
		}
	})
	c.mu.Lock()
	for _, r := range racks {
		c.startMonitorLocked(r)
	}
	c.mu.Unlock()
	for _, v := range enabled {
		c.syncVLAN(ctx, v.ID)
	}

	// Object events of one transaction arrive before its commit event, in
	// order. Collect them and act once per commit.
	var pending []catalog.Event
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			return ctx.Err()
		case ev, ok := <-eventq:
			if !ok {
				c.stopAll()
				return nil
			}
			switch ev := ev.(type) {
			case catalog.EventCommit:
				for _, vlanID := range c.resolveAffected(pending) {
					c.syncVLAN(ctx, vlanID)
				}
				pending = pending[:0]
			case catalog.EventCreateRack:
				c.mu.Lock()
				c.startMonitorLocked(ev.Rack)
				c.mu.Unlock()
				pending = append(pending, ev)
			case catalog.EventDeleteRack:
				c.mu.Lock()
				c.stopMonitorLocked(ev.Rack.ID)
				c.mu.Unlock()
			case catalog.Event:
				pending = append(pending, ev)
			}
		}
	}
}

func (c *Coordinator) stopAll() {
	c.mu.Lock()
	for id := range c.racks {
		c.stopMonitorLocked(id)
	}
	for _, vs := range c.vlans {
		if vs.cancelPush != nil {
			vs.cancelPush()
			vs.cancelPush = nil
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// resolveAffected maps a transaction's object events to the VLANs whose
// compiled configuration may have changed. A change on a relaying VLAN also
// touches its relay target's document; a rack change touches every VLAN the
// rack serves, since its serving addresses feed the failover and next-server
// directives.
func (c *Coordinator) resolveAffected(pending []catalog.Event) []string {
	affected := make(map[string]struct{})
	c.catalog.View(func(tx catalog.ReadTx) {
		addVLAN := func(v *api.VLAN) {
			if v == nil {
				return
			}
			affected[v.ID] = struct{}{}
			if v.RelayVLAN != "" {
				affected[v.RelayVLAN] = struct{}{}
			}
		}
		addSubnet := func(subnetID string) {
			if s := tx.GetSubnet(subnetID); s != nil {
				addVLAN(tx.GetVLAN(s.VLANID))
			}
		}
		for _, ev := range pending {
			switch ev := ev.(type) {
			case catalog.EventCreateVLAN:
				addVLAN(ev.VLAN)
			case catalog.EventUpdateVLAN:
				addVLAN(ev.VLAN)
			case catalog.EventDeleteVLAN:
				addVLAN(ev.VLAN)
			case catalog.EventCreateSubnet:
				addVLAN(tx.GetVLAN(ev.Subnet.VLANID))
			case catalog.EventUpdateSubnet:
				addVLAN(tx.GetVLAN(ev.Subnet.VLANID))
			case catalog.EventDeleteSubnet:
				addVLAN(tx.GetVLAN(ev.Subnet.VLANID))
			case catalog.EventCreateIPRange:
				addSubnet(ev.Range.SubnetID)
			case catalog.EventUpdateIPRange:
				addSubnet(ev.Range.SubnetID)
			case catalog.EventDeleteIPRange:
				addSubnet(ev.Range.SubnetID)
			case catalog.EventCreateIPAddress:
				if hostReservation(ev.Address) {
					addSubnet(ev.Address.SubnetID)
				}
			case catalog.EventDeleteIPAddress:
				if hostReservation(ev.Address) {
					addSubnet(ev.Address.SubnetID)
				}
			case catalog.EventCreateRack:
				for _, v := range tx.VLANs() {
					if v.PrimaryRack == ev.Rack.ID || v.SecondaryRack == ev.Rack.ID {
						addVLAN(v)
					}
				}
			case catalog.EventUpdateRack:
				for _, v := range tx.VLANs() {
					if v.PrimaryRack == ev.Rack.ID || v.SecondaryRack == ev.Rack.ID {
						addVLAN(v)
					}
				}
			}
		}
	})
	out := make([]string, 0, len(affected))
	for id := range affected {
		out = append(out, id)
	}
	return out
}

// hostReservation reports whether an assignment compiles into a fixed-address
// host entry.
func hostReservation(a *api.IPAddress) bool {
	if a.MAC == "" {
		return false
	}
	return a.Type == api.AllocStatic || a.Type == api.AllocReservedManual
}

// syncVLAN reconciles one VLAN after a commit. Disabled VLANs have their
// in-flight push canceled; enabled ones get a fresh compile+push in the
// background.
func (c *Coordinator) syncVLAN(ctx context.Context, vlanID string) {
	var vlan *api.VLAN
	c.catalog.View(func(tx catalog.ReadTx) {
		vlan = tx.GetVLAN(vlanID)
	})
	if vlan == nil || !vlan.DHCPOn {
		c.mu.Lock()
		if vs := c.vlans[vlanID]; vs != nil {
			if vs.cancelPush != nil {
				vs.cancelPush()
				vs.cancelPush = nil
				vs.pushCtx = nil
			}
			vs.state = api.VLANDisabled
			vs.bothDownSince = time.Time{}
		}
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Push(c.runCtx, vlanID); err != nil && errors.Cause(err) != context.Canceled {
			log.G(ctx).WithError(err).WithField("vlan", vlanID).Error("reconcile push failed")
		}
	}()
}

// Push compiles the VLAN's configuration at the current topology version and
// delivers it to the assigned racks, retrying each with bounded exponential
// backoff. It supersedes any in-flight push for the same VLAN. The returned
// PushResult is populated even when err is non-nil, so callers can see
// per-rack outcomes.
func (c *Coordinator) Push(ctx context.Context, vlanID string) (*api.PushResult, error) {
	snap := c.catalog.Snapshot()
	vlan, ok := snap.VLANs[vlanID]
	if !ok {
		return nil, errors.Errorf("vlan %v does not exist", vlanID)
	}
	if !vlan.DHCPOn {
		return nil, errors.Errorf("vlan %v does not have DHCP enabled", vlanID)
	}

	c.mu.Lock()
	vs := c.vlanLocked(vlanID)
	if vs.state == api.VLANFailed {
		c.mu.Unlock()
		return nil, errors.Errorf("vlan %v is failed; clear the failure first", vlanID)
	}
	// Supersession is version-ordered, not arrival-ordered. A push that
	// snapshotted before a newer push registered must yield to it, or a
	// rack could end up holding the older document with nothing left to
	// re-push the newer one.
	if vs.pushCtx != nil && vs.pushVersion.Index > snap.Version.Index {
		c.mu.Unlock()
		return nil, errors.Wrap(context.Canceled, "push superseded by a newer version")
	}
	if vs.cancelPush != nil {
		vs.cancelPush()
	}
	pushCtx, cancel := context.WithCancel(ctx)
	vs.pushCtx, vs.cancelPush = pushCtx, cancel
	vs.pushVersion = snap.Version
	vs.state = api.VLANConfiguring
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if vs.pushCtx == pushCtx {
			vs.cancelPush = nil
			vs.pushCtx = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	correlation := uuid.New().String()
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(logrus.Fields{
		"vlan":        vlanID,
		"correlation": correlation,
	}))

	doc, err := dhcpd.Compile(snap, vlanID)
	if err != nil {
		log.G(ctx).WithError(err).Error("config compilation failed")
		return nil, err
	}

	rackIDs := []string{vlan.PrimaryRack}
	if vlan.SecondaryRack != "" {
		rackIDs = append(rackIDs, vlan.SecondaryRack)
	}

	statuses := make([]api.RackPushStatus, len(rackIDs))
	var pushWG sync.WaitGroup
	for i, rackID := range rackIDs {
		rack, ok := snap.Racks[rackID]
		if !ok {
			statuses[i] = api.RackPushStatus{RackID: rackID, Err: "rack controller not found"}
			continue
		}
		pushWG.Add(1)
		go func(i int, rack *api.RackController) {
			defer pushWG.Done()
			statuses[i] = c.pushToRack(pushCtx, rack, doc)
		}(i, rack)
	}
	pushWG.Wait()

	result := &api.PushResult{
		CorrelationID: correlation,
		VLANID:        vlanID,
		Version:       doc.Version,
		Racks:         statuses,
	}

	// A superseded push must not demote the VLAN; the newer push owns the
	// state from here.
	if pushCtx.Err() != nil {
		return result, errors.Wrap(context.Canceled, "push superseded")
	}

	var applied, failed int
	var firstFailure api.RackPushStatus
	for _, st := range statuses {
		if st.Applied {
			applied++
		} else {
			failed++
			if firstFailure.RackID == "" {
				firstFailure = st
			}
		}
	}

	c.mu.Lock()
	switch {
	case failed == 0:
		vs.state = api.VLANActive
		vs.bothDownSince = time.Time{}
	case applied > 0:
		vs.state = api.VLANDegraded
		vs.bothDownSince = time.Time{}
	default:
		vs.state = api.VLANDegraded
		c.markAllDownLocked(vlanID, vs)
	}
	state := vs.state
	c.mu.Unlock()

	// Rack transitions go out after the state machine settles, so a resync
	// they trigger observes the degraded state it needs to act on.
	for _, st := range statuses {
		if st.Applied {
			c.setRackState(ctx, st.RackID, api.RackConnected)
		} else {
			c.setRackState(ctx, st.RackID, api.RackDegraded)
		}
	}

	if failed > 0 {
		err = errdefs.ErrConfigPushFailed(firstFailure.RackID, vlanID, firstFailure.Err)
		log.G(ctx).WithError(err).WithField("state", state).Warn("config push incomplete")
		return result, err
	}
	log.G(ctx).WithFields(logrus.Fields{
		"version": doc.Version.Index,
		"racks":   len(statuses),
	}).Info("config pushed")
	return result, nil
}

func (c *Coordinator) pushToRack(ctx context.Context, rack *api.RackController, doc *api.ConfigDocument) api.RackPushStatus {
	st := api.RackPushStatus{RackID: rack.ID}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialBackoff
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, c.maxRetries), ctx)
	err := backoff.Retry(func() error {
		st.Attempts++
		if err := c.transport.Apply(ctx, rack, doc); err != nil {
			log.G(ctx).WithError(err).WithFields(logrus.Fields{
				"rack":    rack.ID,
				"attempt": st.Attempts,
			}).Warn("config push attempt failed")
			return err
		}
		return nil
	}, bo)
	if err != nil {
		st.Err = err.Error()
		return st
	}
	st.Applied = true
	return st
}

// AssignRacks sets the primary and, optionally, secondary rack controller for
// a VLAN. The catalog validates that each rack has connectivity to the VLAN;
// the commit bumps the topology version and triggers a push through the watch
// loop.
func (c *Coordinator) AssignRacks(ctx context.Context, vlanID, primaryID, secondaryID string) error {
	err := c.catalog.Update(func(tx *catalog.Tx) error {
		v := tx.GetVLAN(vlanID)
		if v == nil {
			return errors.Errorf("vlan %v does not exist", vlanID)
		}
		v.PrimaryRack = primaryID
		v.SecondaryRack = secondaryID
		return tx.UpdateVLAN(v)
	})
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(logrus.Fields{
		"vlan":      vlanID,
		"primary":   primaryID,
		"secondary": secondaryID,
	}).Info("rack controllers assigned")
	return nil
}

// ClearFailure lifts the terminal failed state from a VLAN and schedules a
// fresh push.
func (c *Coordinator) ClearFailure(ctx context.Context, vlanID string) error {
	c.mu.Lock()
	vs := c.vlans[vlanID]
	if vs == nil || vs.state != api.VLANFailed {
		c.mu.Unlock()
		return errors.Errorf("vlan %v is not failed", vlanID)
	}
	vs.state = api.VLANConfiguring
	vs.bothDownSince = time.Time{}
	c.mu.Unlock()
	log.G(ctx).WithField("vlan", vlanID).Info("failure cleared")
	c.syncVLAN(ctx, vlanID)
	return nil
}

// VLANState returns the DHCP service state the coordinator holds for a VLAN.
func (c *Coordinator) VLANState(vlanID string) api.VLANDHCPState {
	c.mu.Lock()
	if vs, ok := c.vlans[vlanID]; ok {
		defer c.mu.Unlock()
		return vs.state
	}
	c.mu.Unlock()
	var vlan *api.VLAN
	c.catalog.View(func(tx catalog.ReadTx) {
		vlan = tx.GetVLAN(vlanID)
	})
	if vlan != nil && vlan.DHCPOn {
		return api.VLANConfiguring
	}
	return api.VLANDisabled
}

// RackState returns the connection state the coordinator holds for a rack.
func (c *Coordinator) RackState(rackID string) api.RackConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.racks[rackID]; ok {
		return m.state
	}
	return api.RackDown
}

func (c *Coordinator) vlanLocked(vlanID string) *vlanState {
	vs, ok := c.vlans[vlanID]
	if !ok {
		vs = &vlanState{state: api.VLANDisabled}
		c.vlans[vlanID] = vs
	}
	return vs
}

// markAllDownLocked starts the failure clock for a VLAN whose racks are all
// unreachable and schedules the check that turns it failed once the threshold
// elapses.
func (c *Coordinator) markAllDownLocked(vlanID string, vs *vlanState) {
	if !vs.bothDownSince.IsZero() {
		if c.clock.Since(vs.bothDownSince) >= c.failureThreshold {
			vs.state = api.VLANFailed
		}
		return
	}
	vs.bothDownSince = c.clock.Now()
	runCtx := c.runCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := c.clock.NewTimer(c.failureThreshold)
		defer t.Stop()
		select {
		case <-runCtx.Done():
		case <-t.C():
			c.mu.Lock()
			vs := c.vlans[vlanID]
			if vs != nil && !vs.bothDownSince.IsZero() &&
				c.clock.Since(vs.bothDownSince) >= c.failureThreshold &&
				vs.state == api.VLANDegraded {
				vs.state = api.VLANFailed
				log.G(runCtx).WithField("vlan", vlanID).Error("all racks unreachable past threshold, marking vlan failed")
			}
			c.mu.Unlock()
		}
	}()
}
