package catalog

import (
	events "github.com/docker/go-events"

	"github.com/metalwire/metalwire/api"
)

// Event is the interface for topology catalog events published on the watch
// queue.
type Event interface {
	isEvent()
}

// EventCommit is published after all object events of a committed
// transaction. Version is the catalog's TopologyVersion after the commit; it
// only advances when topology objects changed, lease churn leaves it alone.
type EventCommit struct {
	Version api.Version
}

// EventCreateFabric is published when a fabric is created.
type EventCreateFabric struct{ Fabric *api.Fabric }

// EventUpdateFabric is published when a fabric is updated.
type EventUpdateFabric struct{ Fabric *api.Fabric }

// EventDeleteFabric is published when a fabric is deleted.
type EventDeleteFabric struct{ Fabric *api.Fabric }

// EventCreateVLAN is published when a VLAN is created.
type EventCreateVLAN struct{ VLAN *api.VLAN }

// EventUpdateVLAN is published when a VLAN is updated.
type EventUpdateVLAN struct{ VLAN *api.VLAN }

// EventDeleteVLAN is published when a VLAN is deleted.
type EventDeleteVLAN struct{ VLAN *api.VLAN }

// EventCreateSubnet is published when a subnet is created.
type EventCreateSubnet struct{ Subnet *api.Subnet }

// EventUpdateSubnet is published when a subnet is updated.
type EventUpdateSubnet struct{ Subnet *api.Subnet }

// EventDeleteSubnet is published when a subnet is deleted.
type EventDeleteSubnet struct{ Subnet *api.Subnet }

// EventCreateIPRange is published when a range is created.
type EventCreateIPRange struct{ Range *api.IPRange }

// EventUpdateIPRange is published when a range is updated.
type EventUpdateIPRange struct{ Range *api.IPRange }

// EventDeleteIPRange is published when a range is deleted.
type EventDeleteIPRange struct{ Range *api.IPRange }

// EventCreateIPAddress is published when an assignment is created. Lease
// events do not advance the TopologyVersion.
type EventCreateIPAddress struct{ Address *api.IPAddress }

// EventDeleteIPAddress is published when an assignment is released.
type EventDeleteIPAddress struct{ Address *api.IPAddress }

// EventCreateRack is published when a rack controller is registered.
type EventCreateRack struct{ Rack *api.RackController }

// EventUpdateRack is published when a rack controller is updated.
type EventUpdateRack struct{ Rack *api.RackController }

// EventDeleteRack is published when a rack controller is removed.
type EventDeleteRack struct{ Rack *api.RackController }

func (EventCommit) isEvent()          {}
func (EventCreateFabric) isEvent()    {}
func (EventUpdateFabric) isEvent()    {}
func (EventDeleteFabric) isEvent()    {}
func (EventCreateVLAN) isEvent()      {}
func (EventUpdateVLAN) isEvent()      {}
func (EventDeleteVLAN) isEvent()      {}
func (EventCreateSubnet) isEvent()    {}
func (EventUpdateSubnet) isEvent()    {}
func (EventDeleteSubnet) isEvent()    {}
func (EventCreateIPRange) isEvent()   {}
func (EventUpdateIPRange) isEvent()   {}
func (EventDeleteIPRange) isEvent()   {}
func (EventCreateIPAddress) isEvent() {}
func (EventDeleteIPAddress) isEvent() {}
func (EventCreateRack) isEvent()      {}
func (EventUpdateRack) isEvent()      {}
func (EventDeleteRack) isEvent()      {}

// topologyEvent reports whether an event represents a topology mutation, as
// opposed to lease churn or a commit marker. Only topology mutations advance
// the TopologyVersion.
func topologyEvent(e Event) bool {
	switch e.(type) {
	case EventCreateIPAddress, EventDeleteIPAddress, EventCommit:
		return false
	}
	return true
}

// MatchCommits is a watch queue matcher selecting only commit markers.
func MatchCommits(event events.Event) bool {
	_, ok := event.(EventCommit)
	return ok
}
