// Package dhcpd compiles the topology catalog into DHCP server
// configuration. Compilation is a pure function of a topology snapshot:
// compiling the same snapshot twice yields byte-identical output, which is
// what lets a primary and a secondary rack controller serve interchangeable
// configuration during failover.
package dhcpd

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/errdefs"
)

// defaultBootFile is the PXE boot filename handed to machines unless the
// subnet overrides it.
const defaultBootFile = "pxelinux.0"

// FailoverPeerName returns the name of the failover peer declaration for a
// VLAN.
func FailoverPeerName(tag uint16) string {
	return fmt.Sprintf("failover-vlan-%d", tag)
}

// Compile renders the DHCP configuration document for a VLAN from a
// topology snapshot.
//
// The document covers the VLAN's own managed subnets plus the managed
// subnets of every VLAN relaying into it, so a rack serving this VLAN
// answers relayed requests from the correct pools. It fails with
// VlanNotManaged when the VLAN has no managed subnet of its own, and with
// AmbiguousRelay when a relaying VLAN has more than one managed subnet of
// the same address family on its relay link, since the relay source address
// could then match more than one candidate pool.
func Compile(snap *catalog.Snapshot, vlanID string) (*api.ConfigDocument, error) {
	vlan, ok := snap.VLANs[vlanID]
	if !ok {
		return nil, fmt.Errorf("vlan %v does not exist", vlanID)
	}
	if !vlan.DHCPOn {
		return nil, fmt.Errorf("vlan %v does not have DHCP enabled", vlanID)
	}

	local := managedSubnets(snap, vlanID)
	if len(local) == 0 {
		return nil, errdefs.ErrVlanNotManaged(vlanID)
	}

	m := &configModel{
		VLANTag: vlan.Tag,
		Version: snap.Version.Index,
	}

	if vlan.SecondaryRack != "" {
		primary, err := rackAddr(snap, vlan.PrimaryRack, vlanID)
		if err != nil {
			return nil, err
		}
		secondary, err := rackAddr(snap, vlan.SecondaryRack, vlanID)
		if err != nil {
			return nil, err
		}
		m.Failover = &failoverModel{
			Name:        FailoverPeerName(vlan.Tag),
			Address:     primary,
			PeerAddress: secondary,
		}
	}

	nextServer, err := rackAddr(snap, vlan.PrimaryRack, vlanID)
	if err != nil {
		return nil, err
	}

	var cidrs []string
	appendSubnets := func(subnets []*api.Subnet, relaySource string) error {
		for _, subnet := range subnets {
			sm, err := buildSubnet(snap, subnet, m.Failover, nextServer, relaySource)
			if err != nil {
				return err
			}
			m.Subnets = append(m.Subnets, *sm)
			cidrs = append(cidrs, subnet.CIDR)
			for _, h := range snap.HostsBySubnet(subnet.ID) {
				m.Hosts = append(m.Hosts, hostModel{
					Name: strings.ReplaceAll(strings.ReplaceAll(h.IP, ".", "-"), ":", "-"),
					MAC:  h.MAC,
					IP:   h.IP,
				})
			}
		}
		return nil
	}

	if err := appendSubnets(local, ""); err != nil {
		return nil, err
	}

	for _, source := range snap.RelaySources(vlanID) {
		relayed := managedSubnets(snap, source.ID)
		if len(relayed) == 0 {
			// A relay with nothing to serve is harmless; skip it.
			continue
		}
		if err := checkRelayResolvable(source, relayed); err != nil {
			return nil, err
		}
		if err := appendSubnets(relayed, fmt.Sprintf("vlan-%d", source.Tag)); err != nil {
			return nil, err
		}
	}

	output, err := render(m)
	if err != nil {
		return nil, err
	}

	return &api.ConfigDocument{
		VLANID:      vlanID,
		VLANTag:     vlan.Tag,
		Version:     snap.Version,
		Output:      output,
		SubnetCIDRs: cidrs,
	}, nil
}

func managedSubnets(snap *catalog.Snapshot, vlanID string) []*api.Subnet {
	var out []*api.Subnet
	for _, s := range snap.SubnetsByVLAN(vlanID) {
		if s.Managed {
			out = append(out, s)
		}
	}
	return out
}

// checkRelayResolvable rejects relay configurations where the relay source
// address cannot be matched to a single target subnet: two managed subnets
// of the same family on one relay link leave the choice of pool ambiguous.
func checkRelayResolvable(source *api.VLAN, subnets []*api.Subnet) error {
	var v4, v6 int
	for _, s := range subnets {
		prefix, err := netip.ParsePrefix(s.CIDR)
		if err != nil {
			continue
		}
		if prefix.Addr().Is4() {
			v4++
		} else {
			v6++
		}
	}
	if v4 > 1 || v6 > 1 {
		return errdefs.ErrAmbiguousRelay(source.ID,
			"%d candidate subnets on the relay link from vlan-%d", len(subnets), source.Tag)
	}
	return nil
}

func rackAddr(snap *catalog.Snapshot, rackID, vlanID string) (string, error) {
	rack, ok := snap.Racks[rackID]
	if !ok {
		return "", fmt.Errorf("rack controller %v does not exist", rackID)
	}
	addr, ok := rack.IPs[vlanID]
	if !ok {
		return "", fmt.Errorf("rack controller %v has no serving address on vlan %v", rackID, vlanID)
	}
	return addr, nil
}

func buildSubnet(snap *catalog.Snapshot, subnet *api.Subnet, failover *failoverModel, nextServer, relaySource string) (*subnetModel, error) {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return nil, fmt.Errorf("subnet %v has invalid CIDR %q: %v", subnet.ID, subnet.CIDR, err)
	}

	bootFile := subnet.BootFile
	if bootFile == "" {
		bootFile = defaultBootFile
	}

	sm := &subnetModel{
		IPv6:        !prefix.Addr().Is4(),
		CIDR:        subnet.CIDR,
		Router:      subnet.GatewayIP,
		DNS:         strings.Join(subnet.DNSServers, ", "),
		NTP:         strings.Join(subnet.NTPServers, ", "),
		NextServer:  nextServer,
		BootFile:    bootFile,
		RelaySource: relaySource,
	}

	if !sm.IPv6 {
		_, ipNet, err := net.ParseCIDR(subnet.CIDR)
		if err != nil {
			return nil, fmt.Errorf("subnet %v has invalid CIDR %q: %v", subnet.ID, subnet.CIDR, err)
		}
		sm.Network = ipNet.IP.String()
		sm.Netmask = net.IP(ipNet.Mask).String()
		broadcast := make(net.IP, len(ipNet.IP.To4()))
		for i := range broadcast {
			broadcast[i] = ipNet.IP.To4()[i] | ^ipNet.Mask[i]
		}
		sm.Broadcast = broadcast.String()
	}

	for _, r := range snap.RangesBySubnet(subnet.ID) {
		if r.Purpose != api.RangeDynamic {
			continue
		}
		pool := poolModel{Low: r.StartIP, High: r.EndIP, IPv6: sm.IPv6}
		if failover != nil {
			pool.Failover = failover.Name
		}
		sm.Pools = append(sm.Pools, pool)
	}
	return sm, nil
}
