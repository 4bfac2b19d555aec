package coordinator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/heartbeat"
	"github.com/metalwire/metalwire/log"
)

// startMonitorLocked begins liveness probing for a rack. The heartbeat timer
// expires when probes stop succeeding for hbTimeout. A state-only entry left
// by a push that ran before the monitors started is upgraded, keeping its
// state.
func (c *Coordinator) startMonitorLocked(rack *api.RackController) {
	prev, ok := c.racks[rack.ID]
	if ok && prev.hb != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	m := &rackMonitor{
		rack:   rack.Copy(),
		state:  api.RackConnected,
		cancel: cancel,
	}
	if prev != nil {
		m.state = prev.state
	}
	rackID := rack.ID
	m.hb = heartbeat.New(c.hbTimeout, func() {
		c.rackExpired(rackID)
	})
	c.racks[rackID] = m
	c.wg.Add(1)
	go c.monitorLoop(ctx, m)
}

func (c *Coordinator) stopMonitorLocked(rackID string) {
	m, ok := c.racks[rackID]
	if !ok {
		return
	}
	if m.hb != nil {
		m.hb.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	delete(c.racks, rackID)
}

func (c *Coordinator) monitorLoop(ctx context.Context, m *rackMonitor) {
	defer c.wg.Done()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("rack", m.rack.ID))
	ticker := c.clock.NewTicker(c.hbPeriod)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, c.hbPeriod)
		err := c.transport.Ping(pingCtx, m.rack)
		cancel()
		if err == nil {
			m.hb.Beat()
			c.setRackState(ctx, m.rack.ID, api.RackConnected)
		} else if ctx.Err() == nil {
			log.G(ctx).WithError(err).Debug("rack liveness probe failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

// setRackState records a rack connection state change and resynchronizes
// degraded VLANs when a rack comes back. Connection state is liveness data,
// not topology: it stays in coordinator memory and never advances the
// topology version, so a rack flapping cannot make the configuration a
// healthy secondary serves look stale.
func (c *Coordinator) setRackState(ctx context.Context, rackID string, state api.RackConnectionState) {
	c.mu.Lock()
	m, ok := c.racks[rackID]
	if !ok {
		m = &rackMonitor{state: state}
		c.racks[rackID] = m
		c.mu.Unlock()
		return
	}
	if m.state == state {
		c.mu.Unlock()
		return
	}
	prev := m.state
	m.state = state
	c.mu.Unlock()

	log.G(ctx).WithFields(logrus.Fields{
		"rack":  rackID,
		"state": state,
	}).Info("rack connection state changed")

	// Any transition back to connected, including degraded after a failed
	// apply on a rack that stayed pingable, resyncs the VLANs it serves.
	if prev != api.RackConnected && state == api.RackConnected {
		c.resyncRackVLANs(ctx, rackID)
	}
}

// rackExpired handles a missed heartbeat deadline. VLANs the rack serves as
// primary drop from active to degraded; the secondary, if reachable, keeps
// serving the configuration it already holds, so no recompile happens while
// the topology version is unchanged. VLANs with every rack unreachable start
// the failure clock.
func (c *Coordinator) rackExpired(rackID string) {
	ctx := log.WithModule(c.runCtx, "coordinator")
	log.G(ctx).WithField("rack", rackID).Warn("rack heartbeat expired")
	c.setRackState(ctx, rackID, api.RackDown)

	var vlans []*api.VLAN
	c.catalog.View(func(tx catalog.ReadTx) {
		for _, v := range tx.VLANs() {
			if v.DHCPOn && (v.PrimaryRack == rackID || v.SecondaryRack == rackID) {
				vlans = append(vlans, v)
			}
		}
	})

	var confirm []*api.VLAN
	c.mu.Lock()
	for _, v := range vlans {
		vs := c.vlanLocked(v.ID)
		if vs.state == api.VLANFailed || vs.state == api.VLANDisabled {
			continue
		}
		primaryDown := c.rackDownLocked(v.PrimaryRack)
		secondaryDown := v.SecondaryRack == "" || c.rackDownLocked(v.SecondaryRack)
		if primaryDown && secondaryDown {
			vs.state = api.VLANDegraded
			c.markAllDownLocked(v.ID, vs)
			continue
		}
		if v.PrimaryRack == rackID && vs.state == api.VLANActive {
			vs.state = api.VLANDegraded
			if !secondaryDown {
				confirm = append(confirm, v)
			}
		}
	}
	c.mu.Unlock()

	for _, v := range confirm {
		c.wg.Add(1)
		go func(v *api.VLAN) {
			defer c.wg.Done()
			c.confirmSecondary(ctx, v)
		}(v)
	}
}

func (c *Coordinator) rackDownLocked(rackID string) bool {
	m, ok := c.racks[rackID]
	if !ok {
		return true
	}
	return m.state == api.RackDown
}

// confirmSecondary verifies that the secondary rack is serving the current
// configuration after the primary dropped out. While the topology version is
// unchanged the secondary's document is interchangeable with the primary's,
// so a healthy answer completes the failover without a recompile. A stale or
// missing answer forces a push.
func (c *Coordinator) confirmSecondary(ctx context.Context, v *api.VLAN) {
	var rack *api.RackController
	c.catalog.View(func(tx catalog.ReadTx) {
		rack = tx.GetRack(v.SecondaryRack)
	})
	if rack == nil {
		return
	}
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(logrus.Fields{
		"vlan":      v.ID,
		"secondary": rack.ID,
	}))

	statusCtx, cancel := context.WithTimeout(ctx, c.hbPeriod)
	status, err := c.transport.Status(statusCtx, rack, v.ID)
	cancel()
	if err != nil {
		log.G(ctx).WithError(err).Warn("cannot confirm secondary during failover")
		return
	}
	if status.Serving && status.Version == c.catalog.Version() {
		log.G(ctx).WithField("version", status.Version.Index).Info("secondary serving current configuration, failover complete")
		return
	}
	log.G(ctx).WithFields(logrus.Fields{
		"serving": status.Serving,
		"version": status.Version.Index,
	}).Warn("secondary configuration stale, pushing")
	if _, err := c.Push(ctx, v.ID); err != nil {
		log.G(ctx).WithError(err).Error("failover push failed")
	}
}

// resyncRackVLANs pushes fresh configuration to every degraded VLAN served by
// a rack that just came back.
func (c *Coordinator) resyncRackVLANs(ctx context.Context, rackID string) {
	var vlans []*api.VLAN
	c.catalog.View(func(tx catalog.ReadTx) {
		for _, v := range tx.VLANs() {
			if v.DHCPOn && (v.PrimaryRack == rackID || v.SecondaryRack == rackID) {
				vlans = append(vlans, v)
			}
		}
	})
	for _, v := range vlans {
		c.mu.Lock()
		vs := c.vlans[v.ID]
		degraded := vs != nil && vs.state == api.VLANDegraded
		if degraded {
			vs.bothDownSince = time.Time{}
		}
		c.mu.Unlock()
		if !degraded {
			continue
		}
		c.wg.Add(1)
		go func(vlanID string) {
			defer c.wg.Done()
			if _, err := c.Push(c.runCtx, vlanID); err != nil {
				log.G(ctx).WithError(err).WithField("vlan", vlanID).Error("resync push failed")
			}
		}(v.ID)
	}
}
