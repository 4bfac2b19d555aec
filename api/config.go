package api

// ConfigDocument is the compiled DHCP server configuration for one VLAN at
// one topology version. Compilation is deterministic: the same (VLAN,
// Version) pair always yields byte-identical Output, so primary and
// secondary racks serve functionally identical configuration.
type ConfigDocument struct {
	VLANID  string
	VLANTag uint16
	Version Version

	// Output is the rendered configuration in the DHCP daemon's native
	// directive syntax. This is the system boundary artifact.
	Output string

	// SubnetCIDRs lists the managed subnets covered by Output, in the order
	// they were emitted.
	SubnetCIDRs []string
}

// RackPushStatus is the outcome of pushing a ConfigDocument to a single rack
// agent.
type RackPushStatus struct {
	RackID   string
	Applied  bool
	Attempts int
	Err      string
}

// PushResult reports the outcome of a coordinator push for a VLAN.
type PushResult struct {
	// CorrelationID ties log lines from region and racks together.
	CorrelationID string
	VLANID        string
	Version       Version
	Racks         []RackPushStatus
}

// ServingStatus reports the configuration a rack agent currently holds for a
// VLAN.
type ServingStatus struct {
	VLANID string
	// Version of the applied ConfigDocument. Zero when nothing has been
	// applied yet.
	Version Version
	// Serving is true while the agent's DHCP service runs with the applied
	// configuration.
	Serving bool
}

// SubnetUtilization is per-subnet address accounting used by exhaustion
// warnings.
type SubnetUtilization struct {
	SubnetID string
	// Total is the number of usable addresses in the subnet.
	Total uint64
	// Reserved and Dynamic are the sizes of the respective range bands.
	Reserved uint64
	Dynamic  uint64
	// Used counts active assignments, split by pool below.
	Used        uint64
	UsedDynamic uint64
	// Free counts unassigned addresses in the static pool.
	Free uint64
	// FreeDynamic counts unassigned addresses in the dynamic band.
	FreeDynamic uint64
}
