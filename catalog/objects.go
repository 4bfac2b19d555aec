package catalog

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/errdefs"
)

// GetFabric looks up a fabric by ID. Returns nil if it doesn't exist.
func (tx ReadTx) GetFabric(id string) *api.Fabric {
	if o := lookup(tx.memDBTx, tableFabric, indexID, id); o != nil {
		return o.(*api.Fabric).Copy()
	}
	return nil
}

// Fabrics returns all fabrics.
func (tx ReadTx) Fabrics() []*api.Fabric {
	var out []*api.Fabric
	forEach(tx.memDBTx, tableFabric, indexID, "", func(o interface{}) {
		out = append(out, o.(*api.Fabric).Copy())
	})
	return out
}

// GetVLAN looks up a VLAN by ID. Returns nil if it doesn't exist.
func (tx ReadTx) GetVLAN(id string) *api.VLAN {
	if o := lookup(tx.memDBTx, tableVLAN, indexID, id); o != nil {
		return o.(*api.VLAN).Copy()
	}
	return nil
}

// VLANs returns all VLANs.
func (tx ReadTx) VLANs() []*api.VLAN {
	var out []*api.VLAN
	forEach(tx.memDBTx, tableVLAN, indexID, "", func(o interface{}) {
		out = append(out, o.(*api.VLAN).Copy())
	})
	return out
}

// VLANsByFabric returns the VLANs belonging to a fabric.
func (tx ReadTx) VLANsByFabric(fabricID string) []*api.VLAN {
	var out []*api.VLAN
	forEach(tx.memDBTx, tableVLAN, indexFabric, fabricID, func(o interface{}) {
		out = append(out, o.(*api.VLAN).Copy())
	})
	return out
}

// GetSubnet looks up a subnet by ID. Returns nil if it doesn't exist.
func (tx ReadTx) GetSubnet(id string) *api.Subnet {
	if o := lookup(tx.memDBTx, tableSubnet, indexID, id); o != nil {
		return o.(*api.Subnet).Copy()
	}
	return nil
}

// Subnets returns all subnets.
func (tx ReadTx) Subnets() []*api.Subnet {
	var out []*api.Subnet
	forEach(tx.memDBTx, tableSubnet, indexID, "", func(o interface{}) {
		out = append(out, o.(*api.Subnet).Copy())
	})
	return out
}

// SubnetsByVLAN returns the subnets attached to a VLAN.
func (tx ReadTx) SubnetsByVLAN(vlanID string) []*api.Subnet {
	var out []*api.Subnet
	forEach(tx.memDBTx, tableSubnet, indexVLAN, vlanID, func(o interface{}) {
		out = append(out, o.(*api.Subnet).Copy())
	})
	return out
}

// GetIPRange looks up a range by ID. Returns nil if it doesn't exist.
func (tx ReadTx) GetIPRange(id string) *api.IPRange {
	if o := lookup(tx.memDBTx, tableIPRange, indexID, id); o != nil {
		return o.(*api.IPRange).Copy()
	}
	return nil
}

// RangesBySubnet returns the ranges carved out of a subnet.
func (tx ReadTx) RangesBySubnet(subnetID string) []*api.IPRange {
	var out []*api.IPRange
	forEach(tx.memDBTx, tableIPRange, indexSubnet, subnetID, func(o interface{}) {
		out = append(out, o.(*api.IPRange).Copy())
	})
	return out
}

// GetIPAddress looks up an assignment by ID. Returns nil if it doesn't
// exist.
func (tx ReadTx) GetIPAddress(id string) *api.IPAddress {
	if o := lookup(tx.memDBTx, tableIPAddress, indexID, id); o != nil {
		return o.(*api.IPAddress).Copy()
	}
	return nil
}

// AddressesBySubnet returns the assignments in a subnet.
func (tx ReadTx) AddressesBySubnet(subnetID string) []*api.IPAddress {
	var out []*api.IPAddress
	forEach(tx.memDBTx, tableIPAddress, indexSubnet, subnetID, func(o interface{}) {
		out = append(out, o.(*api.IPAddress).Copy())
	})
	return out
}

// AddressesByIP returns all entries recorded for an address, including
// discovered ones.
func (tx ReadTx) AddressesByIP(ip string) []*api.IPAddress {
	var out []*api.IPAddress
	forEach(tx.memDBTx, tableIPAddress, indexIP, ip, func(o interface{}) {
		out = append(out, o.(*api.IPAddress).Copy())
	})
	return out
}

// GetRack looks up a rack controller by ID. Returns nil if it doesn't exist.
func (tx ReadTx) GetRack(id string) *api.RackController {
	if o := lookup(tx.memDBTx, tableRack, indexID, id); o != nil {
		return o.(*api.RackController).Copy()
	}
	return nil
}

// Racks returns all rack controllers.
func (tx ReadTx) Racks() []*api.RackController {
	var out []*api.RackController
	forEach(tx.memDBTx, tableRack, indexID, "", func(o interface{}) {
		out = append(out, o.(*api.RackController).Copy())
	})
	return out
}

// forEach iterates a table index, passing every object to cb. An empty key
// iterates the whole index.
func forEach(memDBTx *memdb.Txn, table, index, key string, cb func(interface{})) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if key == "" {
		it, err = memDBTx.Get(table, index)
	} else {
		it, err = memDBTx.Get(table, index, key)
	}
	if err != nil {
		return
	}
	for {
		o := it.Next()
		if o == nil {
			break
		}
		cb(o)
	}
}

// CreateFabric adds a new fabric to the catalog.
func (tx *Tx) CreateFabric(f *api.Fabric) error {
	if err := validateFabric(tx, f); err != nil {
		return err
	}
	c := f.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.create(tableFabric, c.ID, c, EventCreateFabric{Fabric: c})
}

// UpdateFabric updates an existing fabric.
func (tx *Tx) UpdateFabric(f *api.Fabric) error {
	if err := validateFabric(tx, f); err != nil {
		return err
	}
	c := f.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.update(tableFabric, c.ID, c, EventUpdateFabric{Fabric: c})
}

// DeleteFabric removes a fabric. Fabrics with VLANs cannot be removed.
func (tx *Tx) DeleteFabric(id string) error {
	if vlans := tx.VLANsByFabric(id); len(vlans) != 0 {
		return ErrFabricInUse
	}
	return tx.delete(tableFabric, id, func(o interface{}) Event {
		return EventDeleteFabric{Fabric: o.(*api.Fabric)}
	})
}

// CreateVLAN adds a new VLAN to the catalog.
func (tx *Tx) CreateVLAN(v *api.VLAN) error {
	if err := validateVLAN(tx, v); err != nil {
		return err
	}
	c := v.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.create(tableVLAN, c.ID, c, EventCreateVLAN{VLAN: c})
}

// UpdateVLAN updates an existing VLAN. This is also the path rack
// assignments take: PrimaryRack/SecondaryRack changes are topology mutations
// and advance the TopologyVersion.
func (tx *Tx) UpdateVLAN(v *api.VLAN) error {
	if err := validateVLAN(tx, v); err != nil {
		return err
	}
	c := v.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.update(tableVLAN, c.ID, c, EventUpdateVLAN{VLAN: c})
}

// DeleteVLAN removes a VLAN. VLANs with subnets or relay sources cannot be
// removed.
func (tx *Tx) DeleteVLAN(id string) error {
	if subnets := tx.SubnetsByVLAN(id); len(subnets) != 0 {
		return ErrVLANInUse
	}
	for _, v := range tx.VLANs() {
		if v.RelayVLAN == id {
			return ErrVLANInUse
		}
	}
	return tx.delete(tableVLAN, id, func(o interface{}) Event {
		return EventDeleteVLAN{VLAN: o.(*api.VLAN)}
	})
}

// CreateSubnet adds a new subnet to the catalog.
func (tx *Tx) CreateSubnet(s *api.Subnet) error {
	if err := validateSubnet(tx, s); err != nil {
		return err
	}
	c := s.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.create(tableSubnet, c.ID, c, EventCreateSubnet{Subnet: c})
}

// UpdateSubnet updates an existing subnet. Narrowing the CIDR is rejected
// with RangeInUse while assigned addresses would fall outside it.
func (tx *Tx) UpdateSubnet(s *api.Subnet) error {
	if err := validateSubnet(tx, s); err != nil {
		return err
	}
	c := s.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.update(tableSubnet, c.ID, c, EventUpdateSubnet{Subnet: c})
}

// DeleteSubnet removes a subnet. Subnets with active assignments cannot be
// removed; the operator must release them first.
func (tx *Tx) DeleteSubnet(id string) error {
	for _, a := range tx.AddressesBySubnet(id) {
		if a.Type != api.AllocDiscovered {
			return errdefs.ErrRangeInUse(id, a.IP)
		}
	}
	for _, r := range tx.RangesBySubnet(id) {
		if err := tx.delete(tableIPRange, r.ID, func(o interface{}) Event {
			return EventDeleteIPRange{Range: o.(*api.IPRange)}
		}); err != nil {
			return err
		}
	}
	return tx.delete(tableSubnet, id, func(o interface{}) Event {
		return EventDeleteSubnet{Subnet: o.(*api.Subnet)}
	})
}

// CreateIPRange adds a new range to the catalog.
func (tx *Tx) CreateIPRange(r *api.IPRange) error {
	if err := validateIPRange(tx, r); err != nil {
		return err
	}
	c := r.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.create(tableIPRange, c.ID, c, EventCreateIPRange{Range: c})
}

// UpdateIPRange updates an existing range. Shrinking a range that would
// orphan a currently-assigned address fails with RangeInUse and leaves the
// range unchanged.
func (tx *Tx) UpdateIPRange(r *api.IPRange) error {
	old := tx.GetIPRange(r.ID)
	if old == nil {
		return ErrNotExist
	}
	if err := validateIPRange(tx, r); err != nil {
		return err
	}
	if err := checkRangeShrink(tx, old, r); err != nil {
		return err
	}
	c := r.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.update(tableIPRange, c.ID, c, EventUpdateIPRange{Range: c})
}

// DeleteIPRange removes a range. Deletion is rejected with RangeInUse while
// any assigned address falls inside the range.
func (tx *Tx) DeleteIPRange(id string) error {
	old := tx.GetIPRange(id)
	if old == nil {
		return ErrNotExist
	}
	if err := checkRangeShrink(tx, old, nil); err != nil {
		return err
	}
	return tx.delete(tableIPRange, id, func(o interface{}) Event {
		return EventDeleteIPRange{Range: o.(*api.IPRange)}
	})
}

// CreateIPAddress records an assignment. This is the allocator's
// check-then-reserve commit point; the single-assignment invariant is
// enforced here as a backstop and violating it is an internal error.
func (tx *Tx) CreateIPAddress(a *api.IPAddress) error {
	if err := validateIPAddress(tx, a); err != nil {
		return err
	}
	c := a.Copy()
	return tx.create(tableIPAddress, c.ID, c, EventCreateIPAddress{Address: c})
}

// DeleteIPAddress releases an assignment.
func (tx *Tx) DeleteIPAddress(id string) error {
	return tx.delete(tableIPAddress, id, func(o interface{}) Event {
		return EventDeleteIPAddress{Address: o.(*api.IPAddress)}
	})
}

// CreateRack registers a rack controller.
func (tx *Tx) CreateRack(r *api.RackController) error {
	if err := validateRack(tx, r); err != nil {
		return err
	}
	c := r.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.create(tableRack, c.ID, c, EventCreateRack{Rack: c})
}

// UpdateRack updates a rack controller.
func (tx *Tx) UpdateRack(r *api.RackController) error {
	if err := validateRack(tx, r); err != nil {
		return err
	}
	c := r.Copy()
	c.Version = api.Version{Index: tx.nextVersion}
	return tx.update(tableRack, c.ID, c, EventUpdateRack{Rack: c})
}

// DeleteRack removes a rack controller. Racks still assigned to a VLAN
// cannot be removed.
func (tx *Tx) DeleteRack(id string) error {
	for _, v := range tx.VLANs() {
		if v.PrimaryRack == id || v.SecondaryRack == id {
			return ErrRackInUse
		}
	}
	return tx.delete(tableRack, id, func(o interface{}) Event {
		return EventDeleteRack{Rack: o.(*api.RackController)}
	})
}
