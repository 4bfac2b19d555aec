package catalog

import (
	"fmt"
	"testing"
	"time"

	events "github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/errdefs"
)

// setupBase seeds a catalog with one fabric, one DHCP-less VLAN and one
// managed subnet carrying a dynamic and a reserved range.
func setupBase(t *testing.T, c *Catalog) {
	err := c.Update(func(tx *Tx) error {
		require.NoError(t, tx.CreateFabric(&api.Fabric{ID: "f0", Name: "dc1"}))
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v0", FabricID: "f0", Tag: 10}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID:        "s0",
			VLANID:    "v0",
			CIDR:      "10.0.0.0/24",
			Managed:   true,
			GatewayIP: "10.0.0.1",
		}))
		require.NoError(t, tx.CreateIPRange(&api.IPRange{
			ID:       "r-dyn",
			SubnetID: "s0",
			Purpose:  api.RangeDynamic,
			StartIP:  "10.0.0.100",
			EndIP:    "10.0.0.199",
		}))
		require.NoError(t, tx.CreateIPRange(&api.IPRange{
			ID:       "r-res",
			SubnetID: "s0",
			Purpose:  api.RangeReserved,
			StartIP:  "10.0.0.200",
			EndIP:    "10.0.0.219",
		}))
		return nil
	})
	require.NoError(t, err)
}

func TestCreateTopology(t *testing.T) {
	c := New()
	defer c.Close()

	assert.Equal(t, uint64(0), c.Version().Index)
	setupBase(t, c)
	assert.Equal(t, uint64(1), c.Version().Index)

	c.View(func(tx ReadTx) {
		f := tx.GetFabric("f0")
		require.NotNil(t, f)
		assert.Equal(t, "dc1", f.Name)
		assert.Equal(t, uint64(1), f.Version.Index)

		subnets := tx.SubnetsByVLAN("v0")
		require.Len(t, subnets, 1)
		assert.Equal(t, "10.0.0.0/24", subnets[0].CIDR)

		ranges := tx.RangesBySubnet("s0")
		assert.Len(t, ranges, 2)
	})

	// Separate commits get separate versions.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "v1", FabricID: "f0", Tag: 20})
	}))
	assert.Equal(t, uint64(2), c.Version().Index)
	c.View(func(tx ReadTx) {
		assert.Equal(t, uint64(2), tx.GetVLAN("v1").Version.Index)
		// Objects from the first commit keep their stamp.
		assert.Equal(t, uint64(1), tx.GetVLAN("v0").Version.Index)
	})
}

func TestUpdateAborts(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	before := c.Version()
	err := c.Update(func(tx *Tx) error {
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v9", FabricID: "f0", Tag: 99}))
		return tx.CreateVLAN(&api.VLAN{ID: "dup", FabricID: "f0", Tag: 99})
	})
	require.Error(t, err)
	assert.Equal(t, before, c.Version())
	c.View(func(tx ReadTx) {
		// The whole transaction rolled back, including the valid VLAN.
		assert.Nil(t, tx.GetVLAN("v9"))
	})
}

func TestVLANValidation(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	err := c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "dup-tag", FabricID: "f0", Tag: 10})
	})
	require.Error(t, err)

	err = c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "big-tag", FabricID: "f0", Tag: 4095})
	})
	require.Error(t, err)

	err = c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "orphan", FabricID: "nope", Tag: 30})
	})
	require.Error(t, err)

	// DHCP requires a primary rack.
	err = c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "no-rack", FabricID: "f0", Tag: 40, DHCPOn: true})
	})
	require.Error(t, err)
}

func TestRelayValidation(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	// A VLAN cannot both serve and relay.
	err := c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "both", FabricID: "f0", Tag: 30, DHCPOn: true, RelayVLAN: "v0"})
	})
	require.Error(t, err)

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "relayed", FabricID: "f0", Tag: 30, RelayVLAN: "v0"})
	}))

	// Relay chains are rejected.
	err = c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "chain", FabricID: "f0", Tag: 40, RelayVLAN: "relayed"})
	})
	require.Error(t, err)

	// The relay target cannot be deleted out from under its source.
	err = c.Update(func(tx *Tx) error {
		require.NoError(t, tx.DeleteSubnet("s0"))
		return tx.DeleteVLAN("v0")
	})
	assert.Equal(t, ErrVLANInUse, err)
}

func TestManagedSubnetOverlap(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	err := c.Update(func(tx *Tx) error {
		return tx.CreateSubnet(&api.Subnet{ID: "s-over", VLANID: "v0", CIDR: "10.0.0.0/25", Managed: true})
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeOverlap(err))

	// A covering supernet is rejected too.
	err = c.Update(func(tx *Tx) error {
		return tx.CreateSubnet(&api.Subnet{ID: "s-super", VLANID: "v0", CIDR: "10.0.0.0/16", Managed: true})
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeOverlap(err))

	// Unmanaged subnets may overlap managed space.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateSubnet(&api.Subnet{ID: "s-unmanaged", VLANID: "v0", CIDR: "10.0.0.0/25"})
	}))
}

func TestRangeValidation(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	// Overlapping sibling range, purpose notwithstanding.
	err := c.Update(func(tx *Tx) error {
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-x", SubnetID: "s0", Purpose: api.RangeReserved,
			StartIP: "10.0.0.150", EndIP: "10.0.0.160",
		})
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeOverlap(err))

	// Out of subnet bounds.
	err = c.Update(func(tx *Tx) error {
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-out", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.1.10", EndIP: "10.0.1.20",
		})
	})
	require.Error(t, err)

	// Inverted bounds.
	err = c.Update(func(tx *Tx) error {
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-inv", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.0.90", EndIP: "10.0.0.80",
		})
	})
	require.Error(t, err)
}

func TestRangeShrinkWithLease(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.150", Type: api.AllocDHCP,
			CreatedAt: time.Now(),
		})
	}))

	// Shrinking the dynamic range past the lease fails and leaves the range
	// unchanged.
	err := c.Update(func(tx *Tx) error {
		r := tx.GetIPRange("r-dyn")
		r.EndIP = "10.0.0.149"
		return tx.UpdateIPRange(r)
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeInUse(err))
	c.View(func(tx ReadTx) {
		assert.Equal(t, "10.0.0.199", tx.GetIPRange("r-dyn").EndIP)
	})

	// Deleting it fails the same way.
	err = c.Update(func(tx *Tx) error {
		return tx.DeleteIPRange("r-dyn")
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeInUse(err))

	// Shrinking that keeps the lease inside is fine.
	require.NoError(t, c.Update(func(tx *Tx) error {
		r := tx.GetIPRange("r-dyn")
		r.StartIP = "10.0.0.150"
		return tx.UpdateIPRange(r)
	}))

	// After the lease is released the full shrink goes through.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.DeleteIPAddress("a0")
	}))
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.DeleteIPRange("r-dyn")
	}))
}

func TestLeaseChurnDoesNotBumpVersion(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	before := c.Version()
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.50", Type: api.AllocAuto,
			CreatedAt: time.Now(),
		})
	}))
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.DeleteIPAddress("a0")
	}))
	assert.Equal(t, before, c.Version())

	// A mixed transaction does bump.
	require.NoError(t, c.Update(func(tx *Tx) error {
		if err := tx.CreateIPAddress(&api.IPAddress{
			ID: "a1", SubnetID: "s0", IP: "10.0.0.51", Type: api.AllocAuto,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return tx.CreateVLAN(&api.VLAN{ID: "v1", FabricID: "f0", Tag: 20})
	}))
	assert.Equal(t, before.Index+1, c.Version().Index)
}

func TestDuplicateAssignmentBackstop(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.60", Type: api.AllocStatic,
			CreatedAt: time.Now(),
		})
	}))

	err := c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a1", SubnetID: "s0", IP: "10.0.0.60", Type: api.AllocAuto,
			CreatedAt: time.Now(),
		})
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrDuplicateAssignment(err))

	// Discovered entries may mirror an assigned address.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a2", SubnetID: "s0", IP: "10.0.0.60", Type: api.AllocDiscovered,
			MAC: "00:16:3e:aa:bb:cc", CreatedAt: time.Now(),
		})
	}))
}

func TestDeleteGuards(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	err := c.Update(func(tx *Tx) error { return tx.DeleteFabric("f0") })
	assert.Equal(t, ErrFabricInUse, err)

	err = c.Update(func(tx *Tx) error { return tx.DeleteVLAN("v0") })
	assert.Equal(t, ErrVLANInUse, err)

	// A subnet with an active assignment cannot be deleted.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.50", Type: api.AllocAuto,
			CreatedAt: time.Now(),
		})
	}))
	err = c.Update(func(tx *Tx) error { return tx.DeleteSubnet("s0") })
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeInUse(err))

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.DeleteIPAddress("a0")
	}))
	require.NoError(t, c.Update(func(tx *Tx) error {
		if err := tx.DeleteSubnet("s0"); err != nil {
			return err
		}
		if err := tx.DeleteVLAN("v0"); err != nil {
			return err
		}
		return tx.DeleteFabric("f0")
	}))
}

func TestRackAssignment(t *testing.T) {
	c := New()
	defer c.Close()
	setupBase(t, c)

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateRack(&api.RackController{
			ID: "rack0", Hostname: "rack0.maas", Addr: "10.0.0.2:5248",
			VLANs: []string{"v0"},
			IPs:   map[string]string{"v0": "10.0.0.2"},
		})
	}))

	// Assignment requires connectivity.
	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateVLAN(&api.VLAN{ID: "v1", FabricID: "f0", Tag: 20})
	}))
	err := c.Update(func(tx *Tx) error {
		v := tx.GetVLAN("v1")
		v.DHCPOn = true
		v.PrimaryRack = "rack0"
		return tx.UpdateVLAN(v)
	})
	require.Error(t, err)

	require.NoError(t, c.Update(func(tx *Tx) error {
		v := tx.GetVLAN("v0")
		v.DHCPOn = true
		v.PrimaryRack = "rack0"
		return tx.UpdateVLAN(v)
	}))

	// An assigned rack cannot be deleted.
	err = c.Update(func(tx *Tx) error { return tx.DeleteRack("rack0") })
	assert.Equal(t, ErrRackInUse, err)

	// Primary and secondary must differ.
	err = c.Update(func(tx *Tx) error {
		v := tx.GetVLAN("v0")
		v.SecondaryRack = "rack0"
		return tx.UpdateVLAN(v)
	})
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	c := New()
	defer c.Close()

	eventq, cancel := c.WatchQueue().Watch()
	defer cancel()

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateFabric(&api.Fabric{ID: "f0", Name: "dc1"})
	}))

	ev := nextEvent(t, eventq)
	create, ok := ev.(EventCreateFabric)
	require.True(t, ok, "expected fabric create event, got %T", ev)
	assert.Equal(t, "f0", create.Fabric.ID)

	ev = nextEvent(t, eventq)
	commit, ok := ev.(EventCommit)
	require.True(t, ok, "expected commit event, got %T", ev)
	assert.Equal(t, uint64(1), commit.Version.Index)

	// Lease churn publishes events but the commit version stays put.
	require.NoError(t, c.Update(func(tx *Tx) error {
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v0", FabricID: "f0", Tag: 0}))
		return tx.CreateSubnet(&api.Subnet{ID: "s0", VLANID: "v0", CIDR: "10.0.0.0/24", Managed: true})
	}))
	for i := 0; i < 3; i++ {
		nextEvent(t, eventq)
	}

	require.NoError(t, c.Update(func(tx *Tx) error {
		return tx.CreateIPAddress(&api.IPAddress{
			ID: "a0", SubnetID: "s0", IP: "10.0.0.5", Type: api.AllocAuto,
			CreatedAt: time.Now(),
		})
	}))
	nextEvent(t, eventq) // EventCreateIPAddress
	ev = nextEvent(t, eventq)
	commit, ok = ev.(EventCommit)
	require.True(t, ok, "expected commit event, got %T", ev)
	assert.Equal(t, uint64(2), commit.Version.Index)
}

func TestSnapshotVersionPairing(t *testing.T) {
	c := New()
	defer c.Close()

	const commits = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < commits; i++ {
			err := c.Update(func(tx *Tx) error {
				return tx.CreateFabric(&api.Fabric{
					ID:   fmt.Sprintf("f%d", i),
					Name: fmt.Sprintf("dc%d", i),
				})
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// Every commit above creates one fabric and bumps the version by one, so
	// any snapshot taken while the writer runs must hold exactly as many
	// fabrics as its version says.
	for {
		snap := c.Snapshot()
		assert.Equal(t, snap.Version.Index, uint64(len(snap.Fabrics)))
		select {
		case <-done:
			snap = c.Snapshot()
			require.EqualValues(t, commits, snap.Version.Index)
			require.Len(t, snap.Fabrics, commits)
			return
		default:
		}
	}
}

func nextEvent(t *testing.T, eventq chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-eventq:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}
