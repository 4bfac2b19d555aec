package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/errdefs"
)

// newTestCatalog seeds a catalog with a managed /24 with a gateway, a dynamic
// band and a reserved band.
func newTestCatalog(t *testing.T) *catalog.Catalog {
	c := catalog.New()
	t.Cleanup(func() { c.Close() })
	err := c.Update(func(tx *catalog.Tx) error {
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
			ID: "r-dyn", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.0.100", EndIP: "10.0.0.199",
		}))
		require.NoError(t, tx.CreateIPRange(&api.IPRange{
			ID: "r-res", SubnetID: "s0", Purpose: api.RangeReserved,
			StartIP: "10.0.0.200", EndIP: "10.0.0.219",
		}))
		return nil
	})
	require.NoError(t, err)
	return c
}

func TestAllocateAuto(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	// Network, gateway, dynamic and reserved bands are all skipped; the
	// first static address is .2.
	first, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", first.IP)

	second, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", second.IP)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAllocateRequestedIP(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	got, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocStatic, RequestedIP: "10.0.0.50"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.50", got.IP)

	// Taken.
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocStatic, RequestedIP: "10.0.0.50"})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrAddressUnavailable(err))

	// Inside the dynamic band: not part of the static pool.
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocStatic, RequestedIP: "10.0.0.150"})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrAddressUnavailable(err))

	// The gateway is never handed out.
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocStatic, RequestedIP: "10.0.0.1"})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrAddressUnavailable(err))
}

func TestAllocateReservedManual(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	// Requires an explicit address.
	_, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocReservedManual})
	require.Error(t, err)

	got, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocReservedManual, RequestedIP: "10.0.0.205"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.205", got.IP)

	// Outside the reserved band.
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocReservedManual, RequestedIP: "10.0.0.50"})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrAddressUnavailable(err))
}

func TestAllocateDynamicExhaustion(t *testing.T) {
	ctx := context.Background()
	c := catalog.New()
	defer c.Close()
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateFabric(&api.Fabric{ID: "f0", Name: "dc1"}))
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v0", FabricID: "f0", Tag: 10}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID: "s0", VLANID: "v0", CIDR: "10.0.0.0/24", Managed: true,
		}))
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-dyn", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.0.100", EndIP: "10.0.0.103",
		})
	}))
	a := New(c)

	seen := make(map[string]struct{})
	for i := 0; i < 4; i++ {
		got, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocDHCP})
		require.NoError(t, err)
		seen[got.IP] = struct{}{}
	}
	assert.Len(t, seen, 4)

	// Dynamic exhaustion does not spill into the static pool.
	_, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocDHCP})
	require.Error(t, err)
	assert.True(t, errdefs.IsErrRangeExhausted(err))

	// The static pool is unaffected.
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
}

func TestConcurrentAllocate(t *testing.T) {
	ctx := context.Background()
	c := catalog.New()
	defer c.Close()
	require.NoError(t, c.Update(func(tx *catalog.Tx) error {
		require.NoError(t, tx.CreateFabric(&api.Fabric{ID: "f0", Name: "dc1"}))
		require.NoError(t, tx.CreateVLAN(&api.VLAN{ID: "v0", FabricID: "f0", Tag: 10}))
		require.NoError(t, tx.CreateSubnet(&api.Subnet{
			ID: "s0", VLANID: "v0", CIDR: "10.0.0.0/24", Managed: true,
		}))
		return tx.CreateIPRange(&api.IPRange{
			ID: "r-dyn", SubnetID: "s0", Purpose: api.RangeDynamic,
			StartIP: "10.0.0.100", EndIP: "10.0.0.119",
		})
	}))
	a := New(c)

	const workers = 25 // 5 more than the band holds
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		addrs     []string
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := a.Allocate(ctx, Request{
				SubnetID:  "s0",
				Type:      api.AllocDHCP,
				MachineID: fmt.Sprintf("m%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errdefs.IsErrRangeExhausted(err) {
					exhausted++
				}
				return
			}
			addrs = append(addrs, got.IP)
		}(i)
	}
	wg.Wait()

	assert.Len(t, addrs, 20)
	assert.Equal(t, 5, exhausted)
	seen := make(map[string]struct{})
	for _, ip := range addrs {
		_, dup := seen[ip]
		assert.False(t, dup, "address %v granted twice", ip)
		seen[ip] = struct{}{}
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	got, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, got.ID))

	// The freed address is the lowest again.
	again, err := a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
	assert.Equal(t, got.IP, again.IP)

	err = a.Release(ctx, "nope")
	assert.Equal(t, catalog.ErrNotExist, err)
}

func TestObserveDiscovered(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	// Outside every subnet: dropped.
	conflict, err := a.ObserveDiscovered(ctx, "192.168.1.5", "00:16:3e:00:00:01")
	require.NoError(t, err)
	assert.False(t, conflict)

	_, err = a.Allocate(ctx, Request{
		SubnetID:    "s0",
		Type:        api.AllocStatic,
		RequestedIP: "10.0.0.50",
		MAC:         "00:16:3e:00:00:aa",
	})
	require.NoError(t, err)

	// Same address, different MAC: conflict.
	conflict, err = a.ObserveDiscovered(ctx, "10.0.0.50", "00:16:3e:00:00:bb")
	require.NoError(t, err)
	assert.True(t, conflict)

	// An unassigned address observed on the wire is recorded quietly.
	conflict, err = a.ObserveDiscovered(ctx, "10.0.0.60", "00:16:3e:00:00:cc")
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestObserveDiscoveredThenAssigned(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	// First sighting of an unassigned address.
	conflict, err := a.ObserveDiscovered(ctx, "10.0.0.60", "00:16:3e:00:00:cc")
	require.NoError(t, err)
	assert.False(t, conflict)

	// The address is then handed to a different machine.
	_, err = a.Allocate(ctx, Request{
		SubnetID:    "s0",
		Type:        api.AllocStatic,
		RequestedIP: "10.0.0.60",
		MAC:         "00:16:3e:00:00:dd",
	})
	require.NoError(t, err)

	// Re-observing the old occupant must warn even though a discovered
	// record for the address already exists.
	conflict, err = a.ObserveDiscovered(ctx, "10.0.0.60", "00:16:3e:00:00:cc")
	require.NoError(t, err)
	assert.True(t, conflict)

	// The assignment holder itself stays quiet.
	conflict, err = a.ObserveDiscovered(ctx, "10.0.0.60", "00:16:3e:00:00:dd")
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestUtilization(t *testing.T) {
	ctx := context.Background()
	a := New(newTestCatalog(t))

	u, err := a.Utilization("s0")
	require.NoError(t, err)
	assert.Equal(t, uint64(254), u.Total)
	assert.Equal(t, uint64(100), u.Dynamic)
	assert.Equal(t, uint64(20), u.Reserved)
	// Static pool excludes the gateway.
	assert.Equal(t, uint64(133), u.Free)
	assert.Equal(t, uint64(100), u.FreeDynamic)
	assert.Equal(t, uint64(0), u.Used)

	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocAuto})
	require.NoError(t, err)
	_, err = a.Allocate(ctx, Request{SubnetID: "s0", Type: api.AllocDHCP})
	require.NoError(t, err)

	u, err = a.Utilization("s0")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.Used)
	assert.Equal(t, uint64(1), u.UsedDynamic)
	assert.Equal(t, uint64(132), u.Free)
	assert.Equal(t, uint64(99), u.FreeDynamic)
}
