package dhcpd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/errdefs"
)

// newServedVLAN seeds a catalog with a DHCP-enabled VLAN (v0, tag 10), a
// managed subnet with dynamic and reserved bands, and two connected racks.
// secondary controls whether rack1 is assigned for failover.
func newServedVLAN(t *testing.T, secondary bool) *catalog.Catalog {
	c := catalog.New()
	t.Cleanup(func() { c.Close() })
	err := c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateFabric(&api.Fabric{ID: "f0", Name: "dc1"}))
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v0", FabricID: "f0", Tag: 10}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID:         "s0",
			VLANID:     "v0",
			CIDR:       "10.0.0.0/24",
			Managed:    true,
			GatewayIP:  "10.0.0.1",
			DNSServers: []string{"10.0.0.1", "8.8.8.8"},
			NTPServers: []string{"10.0.0.1"},
		}))
		require.NoError(t, tx.CreateIPRange(&api.IPRange{
			ID: "r-dyn", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.0.100", EndIP: "10.0.0.199",
		}))
		require.NoError(t, tx.CreateRack(&api.RackController{
			ID: "rack0", Hostname: "rack0.local", Addr: "10.0.0.2:5248",
			VLANs: []string{"v0"}, IPs: map[string]string{"v0": "10.0.0.2"},
		}))
		require.NoError(t, tx.CreateRack(&api.RackController{
			ID: "rack1", Hostname: "rack1.local", Addr: "10.0.0.3:5248",
			VLANs: []string{"v0"}, IPs: map[string]string{"v0": "10.0.0.3"},
		}))
		v := tx.GetVLAN("v0")
		v.DHCPOn = true
		v.PrimaryRack = "rack0"
		if secondary {
			v.SecondaryRack = "rack1"
		}
		return tx.UpdateVLAN(v)
	})
	require.NoError(t, err)
	return c
}

func TestCompileBasic(t *testing.T) {
	c := newServedVLAN(t, false)
	doc, err := Compile(c.Snapshot(), "v0")
	require.NoError(t, err)

	assert.Equal(t, "v0", doc.VLANID)
	assert.Equal(t, uint16(10), doc.VLANTag)
	assert.Equal(t, c.Version(), doc.Version)
	assert.Equal(t, []string{"10.0.0.0/24"}, doc.SubnetCIDRs)

	out := doc.Output
	assert.Contains(t, out, "authoritative;")
	assert.Contains(t, out, "shared-network vlan-10 {")
	assert.Contains(t, out, "subnet 10.0.0.0 netmask 255.255.255.0 {")
	assert.Contains(t, out, "option broadcast-address 10.0.0.255;")
	assert.Contains(t, out, "option routers 10.0.0.1;")
	assert.Contains(t, out, "option domain-name-servers 10.0.0.1, 8.8.8.8;")
	assert.Contains(t, out, "option ntp-servers 10.0.0.1;")
	assert.Contains(t, out, "next-server 10.0.0.2;")
	assert.Contains(t, out, `filename "pxelinux.0";`)
	assert.Contains(t, out, "range 10.0.0.100 10.0.0.199;")

	// No secondary rack, no failover machinery.
	assert.NotContains(t, out, "failover peer")
}

func TestCompileDeterminism(t *testing.T) {
	c := newServedVLAN(t, true)

	snap := c.Snapshot()
	first, err := Compile(snap, "v0")
	require.NoError(t, err)
	second, err := Compile(snap, "v0")
	require.NoError(t, err)
	assert.Equal(t, first.Output, second.Output)

	// A fresh snapshot at the same version compiles identically, which is
	// what makes primary and secondary documents interchangeable.
	third, err := Compile(c.Snapshot(), "v0")
	require.NoError(t, err)
	assert.Equal(t, first.Output, third.Output)
	assert.Equal(t, first.Version, third.Version)
}

func TestCompileFailover(t *testing.T) {
	c := newServedVLAN(t, true)
	doc, err := Compile(c.Snapshot(), "v0")
	require.NoError(t, err)

	out := doc.Output
	assert.Contains(t, out, `failover peer "failover-vlan-10" {`)
	assert.Contains(t, out, "address 10.0.0.2;")
	assert.Contains(t, out, "peer address 10.0.0.3;")
	assert.Contains(t, out, "mclt 3600;")
	assert.Contains(t, out, `failover peer "failover-vlan-10";`)
	assert.Contains(t, out, "deny dynamic bootp clients;")
}

func TestCompileErrors(t *testing.T) {
	c := newServedVLAN(t, false)

	_, err := Compile(c.Snapshot(), "missing")
	require.Error(t, err)

	// DHCP disabled.
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "v-off", FabricID: "f0", Tag: 30})
	}))
	_, err = Compile(c.Snapshot(), "v-off")
	require.Error(t, err)

	// Enabled but nothing managed under it.
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v-empty", FabricID: "f0", Tag: 40}))
		r := tx.GetRack("rack0")
		r.VLANs = append(r.VLANs, "v-empty")
		r.IPs["v-empty"] = "10.9.0.2"
		require.NoError(t, tx.UpdateRack(r))
		v := tx.GetVLAN("v-empty")
		v.DHCPOn = true
		v.PrimaryRack = "rack0"
		return tx.UpdateVLAN(v)
	}))
	_, err = Compile(c.Snapshot(), "v-empty")
	require.Error(t, err)
	assert.True(t, errdefs.IsErrVlanNotManaged(err))
}

func TestCompileRelay(t *testing.T) {
	c := newServedVLAN(t, false)
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v-relay", FabricID: "f0", Tag: 20, RelayVLAN: "v0"}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID: "s-relay", VLANID: "v-relay", CIDR: "10.1.0.0/24", Managed: true,
			GatewayIP: "10.1.0.1",
		}))
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-relay", SubnetID: "s-relay", Purpose: api.RangeDynamic,
			StartIP: "10.1.0.100", EndIP: "10.1.0.199",
		})
	}))

	doc, err := Compile(c.Snapshot(), "v0")
	require.NoError(t, err)

	// The relayed subnet rides along in the target VLAN's document.
	assert.Equal(t, []string{"10.0.0.0/24", "10.1.0.0/24"}, doc.SubnetCIDRs)
	out := doc.Output
	assert.Contains(t, out, "subnet 10.1.0.0 netmask 255.255.255.0 {")
	assert.Contains(t, out, "range 10.1.0.100 10.1.0.199;")
	assert.Contains(t, out, "Relayed pool: requests forwarded by the DHCP relay on vlan-20")

	// One shared-network only; the relayed subnet is served on the wire of
	// the target VLAN.
	assert.Equal(t, 1, strings.Count(out, "shared-network"))
}

func TestCompileAmbiguousRelay(t *testing.T) {
	c := newServedVLAN(t, false)
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v-relay", FabricID: "f0", Tag: 20, RelayVLAN: "v0"}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID: "s-a", VLANID: "v-relay", CIDR: "10.1.0.0/24", Managed: true,
		}))
		return tx.CreateSubnet(&api.Subnet{
			ID: "s-b", VLANID: "v-relay", CIDR: "10.2.0.0/24", Managed: true,
		})
	}))

	_, err := Compile(c.Snapshot(), "v0")
	require.Error(t, err)
	assert.True(t, errdefs.IsErrAmbiguousRelay(err))
}

func TestCompileHostReservations(t *testing.T) {
	c := newServedVLAN(t, false)
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.50", Type: api.AllocStatic,
			MachineID: "m0", MAC: "00:16:3e:00:00:aa", CreatedAt: time.Now(),
		})
	}))

	doc, err := Compile(c.Snapshot(), "v0")
	require.NoError(t, err)
	out := doc.Output
	assert.Contains(t, out, "host 10-0-0-50 {")
	assert.Contains(t, out, "hardware ethernet 00:16:3e:00:00:aa;")
	assert.Contains(t, out, "fixed-address 10.0.0.50;")
}
