package api

// Copy returns a deep copy of the fabric.
func (f *Fabric) Copy() *Fabric {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Copy returns a deep copy of the VLAN.
func (v *VLAN) Copy() *VLAN {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Copy returns a deep copy of the subnet.
func (s *Subnet) Copy() *Subnet {
	if s == nil {
		return nil
	}
	c := *s
	if s.DNSServers != nil {
		c.DNSServers = append([]string(nil), s.DNSServers...)
	}
	if s.NTPServers != nil {
		c.NTPServers = append([]string(nil), s.NTPServers...)
	}
	return &c
}

// Copy returns a deep copy of the range.
func (r *IPRange) Copy() *IPRange {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Copy returns a deep copy of the assignment.
func (a *IPAddress) Copy() *IPAddress {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// Copy returns a deep copy of the rack controller.
func (r *RackController) Copy() *RackController {
	if r == nil {
		return nil
	}
	c := *r
	if r.VLANs != nil {
		c.VLANs = append([]string(nil), r.VLANs...)
	}
	if r.IPs != nil {
		c.IPs = make(map[string]string, len(r.IPs))
		for k, v := range r.IPs {
			c.IPs[k] = v
		}
	}
	if r.Labels != nil {
		c.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// Copy returns a deep copy of the document.
func (d *ConfigDocument) Copy() *ConfigDocument {
	if d == nil {
		return nil
	}
	c := *d
	if d.SubnetCIDRs != nil {
		c.SubnetCIDRs = append([]string(nil), d.SubnetCIDRs...)
	}
	return &c
}
