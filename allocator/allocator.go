package allocator

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go4.org/netipx"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/catalog"
	"github.com/metalwire/metalwire/errdefs"
	"github.com/metalwire/metalwire/log"
)

// Request describes one allocation.
type Request struct {
	SubnetID string
	// Type selects the pool: AllocDHCP draws from the dynamic band,
	// AllocAuto and AllocStatic from the static pool, and
	// AllocReservedManual places an operator-chosen address inside a
	// reserved band.
	Type api.AllocType
	// RequestedIP pins the allocation to a specific address. Required for
	// AllocReservedManual, optional otherwise.
	RequestedIP string

	MachineID   string
	InterfaceID string
	MAC         string
}

// Allocator hands out IP addresses from subnets under exclusivity
// guarantees. Allocation for a given subnet is serialized through a
// per-subnet critical section so two concurrent requests never receive the
// same address; unrelated subnets proceed in parallel. Topology reads go
// through catalog transactions, so no other locking is needed.
type Allocator struct {
	catalog *catalog.Catalog

	mu      sync.Mutex
	subnets map[string]*sync.Mutex
}

// New returns an allocator backed by the given catalog.
func New(c *catalog.Catalog) *Allocator {
	return &Allocator{
		catalog: c,
		subnets: make(map[string]*sync.Mutex),
	}
}

// subnetLock returns the critical-section lock for a subnet, creating it on
// first use.
func (a *Allocator) subnetLock(subnetID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.subnets[subnetID]
	if !ok {
		l = &sync.Mutex{}
		a.subnets[subnetID] = l
	}
	return l
}

// pools is the address accounting of one subnet, computed inside a read
// transaction.
type pools struct {
	prefix   netip.Prefix
	usable   *netipx.IPSet // subnet minus network/broadcast
	dynamic  *netipx.IPSet
	reserved *netipx.IPSet
	assigned *netipx.IPSet // active (non-discovered) assignments
	gateway  netip.Addr
	hasGW    bool
}

func buildPools(tx catalog.ReadTx, subnet *api.Subnet) (*pools, error) {
	prefix, err := netip.ParsePrefix(subnet.CIDR)
	if err != nil {
		return nil, fmt.Errorf("subnet %v has invalid CIDR %q: %v", subnet.ID, subnet.CIDR, err)
	}

	var usable netipx.IPSetBuilder
	usable.AddPrefix(prefix)
	if prefix.Addr().Is4() && prefix.Bits() < 31 {
		// Network and broadcast addresses are never handed out.
		r := netipx.RangeOfPrefix(prefix)
		usable.Remove(r.From())
		usable.Remove(r.To())
	}

	var dynamic, reserved netipx.IPSetBuilder
	for _, r := range tx.RangesBySubnet(subnet.ID) {
		start, err := netip.ParseAddr(r.StartIP)
		if err != nil {
			continue
		}
		end, err := netip.ParseAddr(r.EndIP)
		if err != nil {
			continue
		}
		switch r.Purpose {
		case api.RangeDynamic:
			dynamic.AddRange(netipx.IPRangeFrom(start, end))
		case api.RangeReserved:
			reserved.AddRange(netipx.IPRangeFrom(start, end))
		}
	}

	var assigned netipx.IPSetBuilder
	for _, addr := range tx.AddressesBySubnet(subnet.ID) {
		if addr.Type == api.AllocDiscovered {
			continue
		}
		ip, err := netip.ParseAddr(addr.IP)
		if err != nil {
			continue
		}
		assigned.Add(ip)
	}

	p := &pools{prefix: prefix}
	if p.usable, err = usable.IPSet(); err != nil {
		return nil, err
	}
	if p.dynamic, err = dynamic.IPSet(); err != nil {
		return nil, err
	}
	if p.reserved, err = reserved.IPSet(); err != nil {
		return nil, err
	}
	if p.assigned, err = assigned.IPSet(); err != nil {
		return nil, err
	}
	if subnet.GatewayIP != "" {
		if gw, err := netip.ParseAddr(subnet.GatewayIP); err == nil {
			p.gateway = gw
			p.hasGW = true
		}
	}
	return p, nil
}

// eligible returns the set of addresses the request may draw from, before
// excluding current assignments.
func (p *pools) eligible(t api.AllocType) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	switch t {
	case api.AllocDHCP:
		b.AddSet(p.dynamic)
	case api.AllocAuto, api.AllocStatic:
		// The static pool is everything in the subnet outside the dynamic
		// and reserved bands, minus the gateway.
		b.AddSet(p.usable)
		b.RemoveSet(p.dynamic)
		b.RemoveSet(p.reserved)
		if p.hasGW {
			b.Remove(p.gateway)
		}
	case api.AllocReservedManual:
		b.AddSet(p.reserved)
	default:
		return nil, fmt.Errorf("unknown allocation type %q", t)
	}
	return b.IPSet()
}

func poolName(t api.AllocType) string {
	if t == api.AllocDHCP {
		return "dynamic"
	}
	return "static"
}

// Allocate reserves one address in the request's subnet. The check and the
// reserve happen under the subnet's critical section, so concurrent requests
// against the same subnet are serialized.
func (a *Allocator) Allocate(ctx context.Context, req Request) (*api.IPAddress, error) {
	if req.Type == api.AllocDiscovered {
		return nil, fmt.Errorf("discovered addresses are recorded via ObserveDiscovered")
	}
	if req.Type == api.AllocReservedManual && req.RequestedIP == "" {
		return nil, fmt.Errorf("reserved-manual allocation requires an explicit address")
	}

	l := a.subnetLock(req.SubnetID)
	l.Lock()
	defer l.Unlock()

	var out *api.IPAddress
	err := a.catalog.Update(func(tx *catalog.Tx) error {
		subnet := tx.GetSubnet(req.SubnetID)
		if subnet == nil {
			return catalog.ErrNotExist
		}
		if !subnet.Managed && req.Type != api.AllocReservedManual {
			return fmt.Errorf("subnet %v is not managed", subnet.ID)
		}

		p, err := buildPools(tx.ReadTx, subnet)
		if err != nil {
			return err
		}
		eligible, err := p.eligible(req.Type)
		if err != nil {
			return err
		}

		var picked netip.Addr
		if req.RequestedIP != "" {
			addr, err := netip.ParseAddr(req.RequestedIP)
			if err != nil {
				return errdefs.ErrAddressUnavailable(req.RequestedIP, "not a valid address")
			}
			if !eligible.Contains(addr) {
				return errdefs.ErrAddressUnavailable(req.RequestedIP, "outside the eligible pool")
			}
			if p.assigned.Contains(addr) {
				return errdefs.ErrAddressUnavailable(req.RequestedIP, "already assigned")
			}
			picked = addr
		} else {
			var free netipx.IPSetBuilder
			free.AddSet(eligible)
			free.RemoveSet(p.assigned)
			freeSet, err := free.IPSet()
			if err != nil {
				return err
			}
			ranges := freeSet.Ranges()
			if len(ranges) == 0 {
				return errdefs.ErrRangeExhausted(req.SubnetID, poolName(req.Type))
			}
			picked = ranges[0].From()
		}

		out = &api.IPAddress{
			ID:          uuid.New().String(),
			SubnetID:    req.SubnetID,
			IP:          picked.String(),
			Type:        req.Type,
			MachineID:   req.MachineID,
			InterfaceID: req.InterfaceID,
			MAC:         req.MAC,
			CreatedAt:   time.Now().UTC(),
		}
		return tx.CreateIPAddress(out)
	})
	if err != nil {
		if errdefs.IsErrDuplicateAssignment(err) {
			// Should be unreachable: the per-subnet critical section
			// serializes check-then-reserve. Abort loudly, do not recover.
			log.G(ctx).WithError(err).Error("single-assignment invariant violated")
		}
		return nil, err
	}

	allocations.WithValues(req.SubnetID, string(req.Type)).Inc(1)
	a.updateUtilization(req.SubnetID)
	log.G(ctx).WithField("subnet.id", req.SubnetID).Debugf("allocated %v (%v)", out.IP, out.Type)
	return out, nil
}

// Release frees an assignment by ID.
func (a *Allocator) Release(ctx context.Context, ipAddressID string) error {
	var subnetID string
	err := a.catalog.Update(func(tx *catalog.Tx) error {
		addr := tx.GetIPAddress(ipAddressID)
		if addr == nil {
			return catalog.ErrNotExist
		}
		subnetID = addr.SubnetID
		return tx.DeleteIPAddress(ipAddressID)
	})
	if err != nil {
		return err
	}
	releases.WithValues(subnetID).Inc(1)
	a.updateUtilization(subnetID)
	log.G(ctx).WithField("subnet.id", subnetID).Debugf("released assignment %v", ipAddressID)
	return nil
}

// ObserveDiscovered records an address observed on the network by the
// discovery feed. It never mutates topology; its only effect beyond the
// record is a conflict warning when the observed address collides with an
// active assignment held by a different machine.
func (a *Allocator) ObserveDiscovered(ctx context.Context, ip, mac string) (conflict bool, err error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, fmt.Errorf("invalid discovered address %q: %v", ip, err)
	}

	var subnetID string
	a.catalog.View(func(tx catalog.ReadTx) {
		for _, s := range tx.Subnets() {
			prefix, perr := netip.ParsePrefix(s.CIDR)
			if perr != nil {
				continue
			}
			if prefix.Contains(addr) {
				subnetID = s.ID
				return
			}
		}
	})
	if subnetID == "" {
		// Not in any known subnet; nothing to record.
		return false, nil
	}

	err = a.catalog.Update(func(tx *catalog.Tx) error {
		// The conflict check must run over every record for the address; a
		// discovered duplicate only suppresses the insert, never the scan.
		var recorded bool
		for _, existing := range tx.AddressesBySubnet(subnetID) {
			if existing.IP != ip {
				continue
			}
			if existing.Type == api.AllocDiscovered {
				recorded = true
				continue
			}
			if existing.MAC != "" && existing.MAC != mac {
				conflict = true
			}
		}
		if recorded {
			// Already recorded; refresh is not needed for warnings.
			return nil
		}
		return tx.CreateIPAddress(&api.IPAddress{
			ID:        uuid.New().String(),
			SubnetID:  subnetID,
			IP:        ip,
			Type:      api.AllocDiscovered,
			MAC:       mac,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return false, err
	}
	if conflict {
		conflicts.WithValues(subnetID).Inc(1)
		log.G(ctx).WithField("subnet.id", subnetID).
			Warnf("discovered %v (%v) conflicts with an active assignment", ip, mac)
	}
	return conflict, nil
}

// Utilization returns the subnet's address accounting for exhaustion
// warnings.
func (a *Allocator) Utilization(subnetID string) (*api.SubnetUtilization, error) {
	var (
		u   *api.SubnetUtilization
		err error
	)
	a.catalog.View(func(tx catalog.ReadTx) {
		subnet := tx.GetSubnet(subnetID)
		if subnet == nil {
			err = catalog.ErrNotExist
			return
		}
		var p *pools
		p, err = buildPools(tx, subnet)
		if err != nil {
			return
		}

		var usedDynamic, used uint64
		for _, r := range p.assigned.Ranges() {
			for ip := r.From(); ip.Compare(r.To()) <= 0; ip = ip.Next() {
				used++
				if p.dynamic.Contains(ip) {
					usedDynamic++
				}
			}
		}

		var static netipx.IPSetBuilder
		static.AddSet(p.usable)
		static.RemoveSet(p.dynamic)
		static.RemoveSet(p.reserved)
		if p.hasGW {
			static.Remove(p.gateway)
		}
		static.RemoveSet(p.assigned)
		staticFree, serr := static.IPSet()
		if serr != nil {
			err = serr
			return
		}

		var dynFree netipx.IPSetBuilder
		dynFree.AddSet(p.dynamic)
		dynFree.RemoveSet(p.assigned)
		dynFreeSet, derr := dynFree.IPSet()
		if derr != nil {
			err = derr
			return
		}

		u = &api.SubnetUtilization{
			SubnetID:    subnetID,
			Total:       setSize(p.usable),
			Reserved:    setSize(p.reserved),
			Dynamic:     setSize(p.dynamic),
			Used:        used,
			UsedDynamic: usedDynamic,
			Free:        setSize(staticFree),
			FreeDynamic: setSize(dynFreeSet),
		}
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (a *Allocator) updateUtilization(subnetID string) {
	u, err := a.Utilization(subnetID)
	if err != nil {
		return
	}
	freeGauge.WithValues(subnetID).Set(float64(u.Free))
	freeDynamicGauge.WithValues(subnetID).Set(float64(u.FreeDynamic))
	usedGauge.WithValues(subnetID).Set(float64(u.Used))
}

// setSize counts the addresses in a set. Ranges here are small (subnet
// sized), so a per-range subtraction is fine.
func setSize(s *netipx.IPSet) uint64 {
	var n uint64
	for _, r := range s.Ranges() {
		from, to := r.From(), r.To()
		if from.Is4() {
			a4 := from.As4()
			b4 := to.As4()
			n += uint64(be32(b4)-be32(a4)) + 1
			continue
		}
		// IPv6 bands in this system are operator-bounded ranges; counting
		// one by one is acceptable for utilization reporting.
		for ip := from; ip.Compare(to) <= 0; ip = ip.Next() {
			n++
		}
	}
	return n
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
