package errdefs

import "fmt"

type errRangeOverlap struct {
	cause string
}

// ErrRangeOverlap creates an error indicating that a subnet or range mutation
// would make two managed address blocks overlap.
func ErrRangeOverlap(cause string, args ...interface{}) error {
	if len(args) != 0 {
		return errRangeOverlap{cause: fmt.Sprintf(cause, args...)}
	}
	return errRangeOverlap{cause: cause}
}

// Error returns the error message
func (e errRangeOverlap) Error() string {
	return fmt.Sprintf("address space overlap: %v", e.cause)
}

// IsErrRangeOverlap returns true if this error is a result of overlapping
// address blocks.
func IsErrRangeOverlap(e error) bool {
	_, ok := e.(errRangeOverlap)
	return ok
}

type errRangeInUse struct {
	rangeID string
	ip      string
}

// ErrRangeInUse creates an error indicating that a range mutation is blocked
// because a currently-assigned address would fall outside the new bounds.
func ErrRangeInUse(rangeID, ip string) error {
	return errRangeInUse{rangeID: rangeID, ip: ip}
}

// Error returns the error message
func (e errRangeInUse) Error() string {
	return fmt.Sprintf("range %v has assigned address %v outside the new bounds", e.rangeID, e.ip)
}

// IsErrRangeInUse returns true if this error is a result of a range mutation
// blocked by live leases.
func IsErrRangeInUse(e error) bool {
	_, ok := e.(errRangeInUse)
	return ok
}

type errRangeExhausted struct {
	subnetID string
	purpose  string
}

// ErrRangeExhausted creates an error indicating that no free address of the
// requested purpose remains in the subnet.
func ErrRangeExhausted(subnetID, purpose string) error {
	return errRangeExhausted{subnetID: subnetID, purpose: purpose}
}

// Error returns the error message
func (e errRangeExhausted) Error() string {
	return fmt.Sprintf("subnet %v has no free %v addresses", e.subnetID, e.purpose)
}

// IsErrRangeExhausted returns true if this error is a result of an exhausted
// address pool.
func IsErrRangeExhausted(e error) bool {
	_, ok := e.(errRangeExhausted)
	return ok
}

type errAddressUnavailable struct {
	ip    string
	cause string
}

// ErrAddressUnavailable creates an error indicating that a requested address
// is already assigned or is not eligible for the requested purpose.
func ErrAddressUnavailable(ip, cause string) error {
	return errAddressUnavailable{ip: ip, cause: cause}
}

// Error returns the error message
func (e errAddressUnavailable) Error() string {
	return fmt.Sprintf("address %v unavailable: %v", e.ip, e.cause)
}

// IsErrAddressUnavailable returns true if this error is a result of a
// requested address being taken or ineligible.
func IsErrAddressUnavailable(e error) bool {
	_, ok := e.(errAddressUnavailable)
	return ok
}

type errVlanNotManaged struct {
	vlanID string
}

// ErrVlanNotManaged creates an error indicating that no subnet under the VLAN
// is managed, so there is nothing to compile.
func ErrVlanNotManaged(vlanID string) error {
	return errVlanNotManaged{vlanID: vlanID}
}

// Error returns the error message
func (e errVlanNotManaged) Error() string {
	return fmt.Sprintf("vlan %v has no managed subnets", e.vlanID)
}

// IsErrVlanNotManaged returns true if this error is a result of compiling a
// VLAN with no managed subnets.
func IsErrVlanNotManaged(e error) bool {
	_, ok := e.(errVlanNotManaged)
	return ok
}

type errAmbiguousRelay struct {
	vlanID string
	cause  string
}

// ErrAmbiguousRelay creates an error indicating that a relayed VLAN cannot
// resolve a single target subnet for the relay's source address.
func ErrAmbiguousRelay(vlanID, cause string, args ...interface{}) error {
	if len(args) != 0 {
		return errAmbiguousRelay{vlanID: vlanID, cause: fmt.Sprintf(cause, args...)}
	}
	return errAmbiguousRelay{vlanID: vlanID, cause: cause}
}

// Error returns the error message
func (e errAmbiguousRelay) Error() string {
	return fmt.Sprintf("vlan %v relay cannot be resolved: %v", e.vlanID, e.cause)
}

// IsErrAmbiguousRelay returns true if this error is a result of an
// unresolvable relay target.
func IsErrAmbiguousRelay(e error) bool {
	_, ok := e.(errAmbiguousRelay)
	return ok
}

type errRackUnreachable struct {
	rackID string
	cause  string
}

// ErrRackUnreachable creates an error indicating that a rack controller
// could not be contacted. This is a transient error; callers retry with
// backoff before surfacing a persistent degraded state.
func ErrRackUnreachable(rackID, cause string) error {
	return errRackUnreachable{rackID: rackID, cause: cause}
}

// Error returns the error message
func (e errRackUnreachable) Error() string {
	return fmt.Sprintf("rack %v unreachable: %v", e.rackID, e.cause)
}

// IsErrRackUnreachable returns true if this error is a result of a rack
// controller being unreachable.
func IsErrRackUnreachable(e error) bool {
	_, ok := e.(errRackUnreachable)
	return ok
}

type errConfigPushFailed struct {
	rackID string
	vlanID string
	cause  string
}

// ErrConfigPushFailed creates an error indicating that pushing compiled
// configuration to a rack controller failed after exhausting retries.
func ErrConfigPushFailed(rackID, vlanID, cause string) error {
	return errConfigPushFailed{rackID: rackID, vlanID: vlanID, cause: cause}
}

// Error returns the error message
func (e errConfigPushFailed) Error() string {
	return fmt.Sprintf("failed to push config for vlan %v to rack %v: %v", e.vlanID, e.rackID, e.cause)
}

// IsErrConfigPushFailed returns true if this error is a result of an
// exhausted config push.
func IsErrConfigPushFailed(e error) bool {
	_, ok := e.(errConfigPushFailed)
	return ok
}

type errDuplicateAssignment struct {
	ip string
}

// ErrDuplicateAssignment creates an error indicating that an address was
// found held by more than one active assignment. This is an invariant
// violation and should be unreachable; it indicates a programming error, not
// a data conflict, and must not be retried or recovered from.
func ErrDuplicateAssignment(ip string) error {
	return errDuplicateAssignment{ip: ip}
}

// Error returns the error message
func (e errDuplicateAssignment) Error() string {
	return fmt.Sprintf("internal error: address %v held by more than one active assignment", e.ip)
}

// IsErrDuplicateAssignment returns true if this error is a result of the
// single-assignment invariant being violated.
func IsErrDuplicateAssignment(e error) bool {
	_, ok := e.(errDuplicateAssignment)
	return ok
}
