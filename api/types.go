package api

import "time"

// Version tracks the last time the topology catalog was modified. Every
// committed topology mutation produces a strictly increasing Index. Compiled
// configuration embeds the Version of the data it was derived from so that
// distributed agents can detect and reject stale pushes.
type Version struct {
	Index uint64
}

// Fabric is a named grouping of VLANs. Every VLAN belongs to exactly one
// fabric.
type Fabric struct {
	ID      string
	Name    string
	Version Version
}

// VLAN is a tagged broadcast domain within a fabric, grouping one or more
// subnets. A VLAN with DHCPOn set is served by its primary rack controller
// and, if configured, a secondary for failover. A VLAN may instead relay to
// another VLAN's DHCP service.
type VLAN struct {
	ID       string
	FabricID string
	// Tag is the 802.1Q tag, 0-4094. Tag 0 is the untagged VLAN. Tags are
	// unique within a fabric.
	Tag  uint16
	Name string

	// DHCPOn enables DHCP service for this VLAN. Requires a primary rack.
	DHCPOn bool
	// PrimaryRack and SecondaryRack are rack controller IDs. SecondaryRack
	// is optional and enables HA failover.
	PrimaryRack   string
	SecondaryRack string
	// RelayVLAN, if set, forwards DHCP requests from this VLAN to the named
	// VLAN's DHCP service instead of serving locally.
	RelayVLAN string

	Version Version
}

// Subnet is a CIDR block attached to exactly one VLAN. Managed subnets take
// part in allocation and DHCP compilation and must not overlap other managed
// subnets; unmanaged subnets are tolerated but excluded from both.
type Subnet struct {
	ID     string
	VLANID string
	Name   string
	// CIDR in canonical form, e.g. "10.0.0.0/24".
	CIDR    string
	Managed bool

	GatewayIP  string
	DNSServers []string
	NTPServers []string
	// BootFile overrides the PXE boot filename for this subnet. Empty means
	// the compiler default.
	BootFile string

	Version Version
}

// RangePurpose describes what an IPRange withholds its addresses for.
type RangePurpose string

const (
	// RangeDynamic addresses are leased transiently to machines during
	// enlistment, commissioning and PXE boot.
	RangeDynamic RangePurpose = "dynamic"
	// RangeReserved addresses are withheld from all automatic allocation,
	// for externally managed infrastructure.
	RangeReserved RangePurpose = "reserved"
)

// IPRange is a contiguous address interval within a subnet. Ranges of the
// same subnet must not overlap each other. Everything in a subnet outside its
// dynamic and reserved ranges forms the implicit static pool.
type IPRange struct {
	ID       string
	SubnetID string
	Purpose  RangePurpose
	// StartIP and EndIP are inclusive bounds.
	StartIP string
	EndIP   string
	Comment string

	Version Version
}

// AllocType records how an IPAddress came to be assigned.
type AllocType string

const (
	// AllocAuto is an address picked automatically from the static pool.
	AllocAuto AllocType = "auto"
	// AllocDHCP is a transient lease from a dynamic range.
	AllocDHCP AllocType = "dhcp"
	// AllocStatic is an operator-requested address from the static pool.
	AllocStatic AllocType = "static"
	// AllocReservedManual is an operator-placed address inside a reserved
	// range, bypassing the default exclusion.
	AllocReservedManual AllocType = "reserved-manual"
	// AllocDiscovered is an address observed on the network, recorded for
	// conflict detection only.
	AllocDiscovered AllocType = "discovered"
)

// IPAddress binds one address to one interface of one machine. An address is
// held by at most one active assignment at any time.
type IPAddress struct {
	ID       string
	SubnetID string
	IP       string
	Type     AllocType

	MachineID   string
	InterfaceID string
	// MAC is recorded for discovered addresses and used for conflict
	// warnings.
	MAC string

	CreatedAt time.Time
}

// RackConnectionState is the liveness/connectivity state of a rack
// controller as seen from the region.
type RackConnectionState string

const (
	RackConnected RackConnectionState = "connected"
	RackDegraded  RackConnectionState = "degraded"
	RackDown      RackConnectionState = "down"
)

// RackController is an agent capable of serving DHCP for the VLANs it is
// assigned to.
type RackController struct {
	ID       string
	Hostname string
	// Addr is the agent endpoint the region pushes configuration to.
	Addr string
	// VLANs lists the VLAN IDs this rack has connectivity to. Assignment as
	// primary or secondary requires membership here.
	VLANs []string
	// IPs maps VLAN ID to the rack's serving address on that VLAN, used for
	// next-server and failover peer directives.
	IPs map[string]string
	// Labels carries orthogonal grouping attributes (zone, pool, tags).
	// These are not part of the network topology graph.
	Labels map[string]string

	Version Version
}

// VLANDHCPState is the per-VLAN DHCP service state machine maintained by the
// coordinator.
type VLANDHCPState string

const (
	// VLANDisabled means DHCP is off for the VLAN.
	VLANDisabled VLANDHCPState = "disabled"
	// VLANConfiguring means a compile+push cycle is in progress.
	VLANConfiguring VLANDHCPState = "configuring"
	// VLANActive means the assigned racks acknowledged the latest config.
	VLANActive VLANDHCPState = "active"
	// VLANDegraded means the primary missed heartbeats or a push failed;
	// the secondary, if any, keeps serving the last pushed config.
	VLANDegraded VLANDHCPState = "degraded"
	// VLANFailed means both racks were unreachable past the threshold.
	// Terminal until an operator clears it.
	VLANFailed VLANDHCPState = "failed"
)
