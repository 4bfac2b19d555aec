package errdefs

// The errdefs package holds errors common across the topology catalog, the
// address allocator, the DHCP config compiler, and the controller
// coordinator. The purpose of using its own package like this is to ensure
// that common errors can be propagated through all of those components and up
// to any caller without modification at any level, and without creating
// unnecessary or circular dependencies.
