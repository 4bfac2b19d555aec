package catalog

import (
	"net/netip"
	"sort"

	"github.com/metalwire/metalwire/api"
)

// Host is a sticky address reservation derived from an operator-placed
// assignment with a known MAC. The compiler emits these as host blocks so
// the DHCP daemon always hands the machine its assigned address.
type Host struct {
	SubnetID string
	IP       string
	MAC      string
	Machine  string
}

// Snapshot is an immutable copy of the topology at a single
// TopologyVersion. All compiled configuration is derived from snapshots, so
// agents holding documents from the same version hold identical data, and no
// lock is needed to read one.
type Snapshot struct {
	Version api.Version

	Fabrics map[string]*api.Fabric
	VLANs   map[string]*api.VLAN
	Subnets map[string]*api.Subnet
	Ranges  map[string]*api.IPRange
	Racks   map[string]*api.RackController
	Hosts   []Host
}

// Snapshot captures the current topology. The read transaction and the
// version are captured under the catalog's version lock, so the pair always
// matches the state a commit stamped; the body then reads the immutable
// memdb transaction without further locking.
func (c *Catalog) Snapshot() *Snapshot {
	snap := &Snapshot{
		Fabrics: make(map[string]*api.Fabric),
		VLANs:   make(map[string]*api.VLAN),
		Subnets: make(map[string]*api.Subnet),
		Ranges:  make(map[string]*api.IPRange),
		Racks:   make(map[string]*api.RackController),
	}
	c.versionLock.RLock()
	memDBTx := c.memDB.Txn(false)
	snap.Version = api.Version{Index: c.version}
	c.versionLock.RUnlock()
	tx := ReadTx{memDBTx: memDBTx}
	func() {
		defer memDBTx.Commit()
		for _, f := range tx.Fabrics() {
			snap.Fabrics[f.ID] = f
		}
		for _, v := range tx.VLANs() {
			snap.VLANs[v.ID] = v
		}
		for _, s := range tx.Subnets() {
			snap.Subnets[s.ID] = s
			for _, r := range tx.RangesBySubnet(s.ID) {
				snap.Ranges[r.ID] = r
			}
			for _, a := range tx.AddressesBySubnet(s.ID) {
				if a.MAC == "" {
					continue
				}
				if a.Type != api.AllocStatic && a.Type != api.AllocReservedManual {
					continue
				}
				snap.Hosts = append(snap.Hosts, Host{
					SubnetID: s.ID,
					IP:       a.IP,
					MAC:      a.MAC,
					Machine:  a.MachineID,
				})
			}
		}
		for _, r := range tx.Racks() {
			snap.Racks[r.ID] = r
		}
	}()
	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].IP < snap.Hosts[j].IP })
	return snap
}

// SubnetsByVLAN returns the VLAN's subnets ordered by CIDR.
func (s *Snapshot) SubnetsByVLAN(vlanID string) []*api.Subnet {
	var out []*api.Subnet
	for _, subnet := range s.Subnets {
		if subnet.VLANID == vlanID {
			out = append(out, subnet)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CIDR < out[j].CIDR })
	return out
}

// RangesBySubnet returns the subnet's ranges ordered by start address.
func (s *Snapshot) RangesBySubnet(subnetID string) []*api.IPRange {
	var out []*api.IPRange
	for _, r := range s.Ranges {
		if r.SubnetID == subnetID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, erra := netip.ParseAddr(out[i].StartIP)
		b, errb := netip.ParseAddr(out[j].StartIP)
		if erra != nil || errb != nil {
			return out[i].StartIP < out[j].StartIP
		}
		return a.Compare(b) < 0
	})
	return out
}

// RelaySources returns the VLANs relaying their DHCP traffic to the given
// VLAN, ordered by tag.
func (s *Snapshot) RelaySources(vlanID string) []*api.VLAN {
	var out []*api.VLAN
	for _, v := range s.VLANs {
		if v.RelayVLAN == vlanID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// HostsBySubnet returns the subnet's sticky reservations ordered by address.
func (s *Snapshot) HostsBySubnet(subnetID string) []Host {
	var out []Host
	for _, h := range s.Hosts {
		if h.SubnetID == subnetID {
			out = append(out, h)
		}
	}
	return out
}
