package catalog

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
	"go4.org/netipx"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/errdefs"
)

var (
	// ErrFabricInUse is returned when deleting a fabric that still has VLANs.
	ErrFabricInUse = errors.New("fabric still has VLANs")
	// ErrVLANInUse is returned when deleting a VLAN that still has subnets or
	// relay sources.
	ErrVLANInUse = errors.New("vlan still has subnets or relay sources")
	// ErrRackInUse is returned when deleting a rack controller still assigned
	// to a VLAN.
	ErrRackInUse = errors.New("rack controller still assigned to a VLAN")
)

// maxVLANTag is the largest valid 802.1Q tag.
const maxVLANTag = 4094

func validateFabric(tx *Tx, f *api.Fabric) error {
	if f.ID == "" || f.Name == "" {
		return fmt.Errorf("fabric requires an ID and a name")
	}
	for _, other := range tx.Fabrics() {
		if other.ID != f.ID && other.Name == f.Name {
			return fmt.Errorf("fabric name %q already taken", f.Name)
		}
	}
	return nil
}

func validateVLAN(tx *Tx, v *api.VLAN) error {
	if v.ID == "" {
		return fmt.Errorf("vlan requires an ID")
	}
	if v.Tag > maxVLANTag {
		return fmt.Errorf("vlan tag %d out of range 0-%d", v.Tag, maxVLANTag)
	}
	if tx.GetFabric(v.FabricID) == nil {
		return fmt.Errorf("fabric %v does not exist", v.FabricID)
	}
	for _, other := range tx.VLANsByFabric(v.FabricID) {
		if other.ID != v.ID && other.Tag == v.Tag {
			return fmt.Errorf("vlan tag %d already taken in fabric %v", v.Tag, v.FabricID)
		}
	}

	if v.RelayVLAN != "" {
		if v.DHCPOn {
			return fmt.Errorf("vlan %v cannot both serve DHCP and relay", v.ID)
		}
		target := tx.GetVLAN(v.RelayVLAN)
		if target == nil {
			return fmt.Errorf("relay target vlan %v does not exist", v.RelayVLAN)
		}
		if target.ID == v.ID {
			return fmt.Errorf("vlan %v cannot relay to itself", v.ID)
		}
		if target.RelayVLAN != "" {
			return fmt.Errorf("relay target vlan %v is itself relayed", target.ID)
		}
	}

	if v.DHCPOn && v.PrimaryRack == "" {
		return fmt.Errorf("vlan %v has DHCP enabled but no primary rack", v.ID)
	}
	for _, rackID := range []string{v.PrimaryRack, v.SecondaryRack} {
		if rackID == "" {
			continue
		}
		rack := tx.GetRack(rackID)
		if rack == nil {
			return fmt.Errorf("rack controller %v does not exist", rackID)
		}
		if !rackOnVLAN(rack, v.ID) {
			return fmt.Errorf("rack controller %v has no connectivity to vlan %v", rackID, v.ID)
		}
	}
	if v.SecondaryRack != "" && v.SecondaryRack == v.PrimaryRack {
		return fmt.Errorf("vlan %v primary and secondary rack must differ", v.ID)
	}
	return nil
}

func rackOnVLAN(rack *api.RackController, vlanID string) bool {
	for _, id := range rack.VLANs {
		if id == vlanID {
			return true
		}
	}
	return false
}

func validateSubnet(tx *Tx, s *api.Subnet) error {
	if s.ID == "" {
		return fmt.Errorf("subnet requires an ID")
	}
	prefix, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return fmt.Errorf("subnet %v has invalid CIDR %q: %v", s.ID, s.CIDR, err)
	}
	if prefix != prefix.Masked() {
		return fmt.Errorf("subnet CIDR %q is not in canonical form", s.CIDR)
	}
	if tx.GetVLAN(s.VLANID) == nil {
		return fmt.Errorf("vlan %v does not exist", s.VLANID)
	}
	if s.GatewayIP != "" {
		gw, err := netip.ParseAddr(s.GatewayIP)
		if err != nil {
			return fmt.Errorf("subnet %v has invalid gateway %q: %v", s.ID, s.GatewayIP, err)
		}
		if !prefix.Contains(gw) {
			return fmt.Errorf("gateway %v outside subnet %v", s.GatewayIP, s.CIDR)
		}
	}
	for _, lists := range [][]string{s.DNSServers, s.NTPServers} {
		for _, raw := range lists {
			if _, err := netip.ParseAddr(raw); err != nil {
				return fmt.Errorf("subnet %v has invalid server address %q: %v", s.ID, raw, err)
			}
		}
	}

	// Managed subnets must not overlap in address space. Unmanaged/manual
	// subnets are tolerated and excluded from the check.
	if s.Managed {
		ranger := cidranger.NewPCTrieRanger()
		for _, other := range tx.Subnets() {
			if other.ID == s.ID || !other.Managed {
				continue
			}
			_, ipNet, err := net.ParseCIDR(other.CIDR)
			if err != nil {
				continue
			}
			if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
				return err
			}
		}
		_, ipNet, err := net.ParseCIDR(s.CIDR)
		if err != nil {
			return fmt.Errorf("subnet %v has invalid CIDR %q: %v", s.ID, s.CIDR, err)
		}
		containing, err := ranger.ContainingNetworks(ipNet.IP)
		if err != nil {
			return err
		}
		covered, err := ranger.CoveredNetworks(*ipNet)
		if err != nil {
			return err
		}
		if len(containing) != 0 || len(covered) != 0 {
			return errdefs.ErrRangeOverlap("managed subnet %v overlaps an existing managed subnet", s.CIDR)
		}
	}

	// On narrowing, ranges and assignments must still fit.
	for _, r := range tx.RangesBySubnet(s.ID) {
		start, end, err := rangeBounds(r)
		if err != nil {
			return err
		}
		if !prefix.Contains(start) || !prefix.Contains(end) {
			return errdefs.ErrRangeInUse(r.ID, r.StartIP)
		}
	}
	for _, a := range tx.AddressesBySubnet(s.ID) {
		if a.Type == api.AllocDiscovered {
			continue
		}
		addr, err := netip.ParseAddr(a.IP)
		if err != nil {
			continue
		}
		if !prefix.Contains(addr) {
			return errdefs.ErrRangeInUse(s.ID, a.IP)
		}
	}
	return nil
}

// rangeBounds parses the inclusive bounds of a range.
func rangeBounds(r *api.IPRange) (netip.Addr, netip.Addr, error) {
	start, err := netip.ParseAddr(r.StartIP)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("range %v has invalid start %q: %v", r.ID, r.StartIP, err)
	}
	end, err := netip.ParseAddr(r.EndIP)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("range %v has invalid end %q: %v", r.ID, r.EndIP, err)
	}
	return start, end, nil
}

func validateIPRange(tx *Tx, r *api.IPRange) error {
	if r.ID == "" {
		return fmt.Errorf("range requires an ID")
	}
	if r.Purpose != api.RangeDynamic && r.Purpose != api.RangeReserved {
		return fmt.Errorf("range %v has unknown purpose %q", r.ID, r.Purpose)
	}
	subnet := tx.GetSubnet(r.SubnetID)
	if subnet == nil {
		return fmt.Errorf("subnet %v does not exist", r.SubnetID)
	}
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return fmt.Errorf("subnet %v has invalid CIDR %q: %v", subnet.ID, subnet.CIDR, err)
	}
	start, end, err := rangeBounds(r)
	if err != nil {
		return err
	}
	if start.Compare(end) > 0 {
		return fmt.Errorf("range %v start %v after end %v", r.ID, r.StartIP, r.EndIP)
	}
	if !prefix.Contains(start) || !prefix.Contains(end) {
		return fmt.Errorf("range %v-%v outside subnet %v", r.StartIP, r.EndIP, subnet.CIDR)
	}

	// Ranges of the same subnet must not overlap each other, regardless of
	// purpose. A reserved band overlapping a dynamic band has no defined
	// precedence, so it is rejected here instead of resolved at runtime.
	rng := netipx.IPRangeFrom(start, end)
	for _, other := range tx.RangesBySubnet(r.SubnetID) {
		if other.ID == r.ID {
			continue
		}
		ostart, oend, err := rangeBounds(other)
		if err != nil {
			continue
		}
		if rng.Overlaps(netipx.IPRangeFrom(ostart, oend)) {
			return errdefs.ErrRangeOverlap("range %v-%v overlaps %v range %v-%v",
				r.StartIP, r.EndIP, other.Purpose, other.StartIP, other.EndIP)
		}
	}
	return nil
}

// checkRangeShrink rejects a range mutation if any currently-assigned
// address inside the old bounds would fall outside the new bounds. A nil
// replacement checks deletion.
func checkRangeShrink(tx *Tx, old, replacement *api.IPRange) error {
	oldStart, oldEnd, err := rangeBounds(old)
	if err != nil {
		return err
	}
	oldRange := netipx.IPRangeFrom(oldStart, oldEnd)

	var newRange netipx.IPRange
	if replacement != nil {
		newStart, newEnd, err := rangeBounds(replacement)
		if err != nil {
			return err
		}
		newRange = netipx.IPRangeFrom(newStart, newEnd)
	}

	for _, a := range tx.AddressesBySubnet(old.SubnetID) {
		if a.Type == api.AllocDiscovered {
			continue
		}
		addr, err := netip.ParseAddr(a.IP)
		if err != nil {
			continue
		}
		if !oldRange.Contains(addr) {
			continue
		}
		if replacement == nil || !newRange.Contains(addr) {
			return errdefs.ErrRangeInUse(old.ID, a.IP)
		}
	}
	return nil
}

func validateIPAddress(tx *Tx, a *api.IPAddress) error {
	if a.ID == "" {
		return fmt.Errorf("assignment requires an ID")
	}
	subnet := tx.GetSubnet(a.SubnetID)
	if subnet == nil {
		return fmt.Errorf("subnet %v does not exist", a.SubnetID)
	}
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return fmt.Errorf("subnet %v has invalid CIDR %q: %v", subnet.ID, subnet.CIDR, err)
	}
	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", a.IP, err)
	}
	if !prefix.Contains(addr) {
		return fmt.Errorf("address %v outside subnet %v", a.IP, subnet.CIDR)
	}
	if a.Type == api.AllocDiscovered {
		return nil
	}
	// Backstop for the single-assignment invariant. The allocator's
	// per-subnet critical section should make this unreachable.
	for _, existing := range tx.AddressesByIP(a.IP) {
		if existing.ID != a.ID && existing.Type != api.AllocDiscovered {
			return errdefs.ErrDuplicateAssignment(a.IP)
		}
	}
	return nil
}

func validateRack(tx *Tx, r *api.RackController) error {
	if r.ID == "" || r.Hostname == "" {
		return fmt.Errorf("rack controller requires an ID and a hostname")
	}
	for _, vlanID := range r.VLANs {
		if tx.GetVLAN(vlanID) == nil {
			return fmt.Errorf("vlan %v does not exist", vlanID)
		}
	}
	for vlanID, raw := range r.IPs {
		if _, err := netip.ParseAddr(raw); err != nil {
			return fmt.Errorf("rack %v has invalid address %q on vlan %v: %v", r.ID, raw, vlanID, err)
		}
	}
	return nil
}
