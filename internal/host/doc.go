// Package host implements the lifecycle core for adapter objects: their
// construction, attachment to the subsystem, removal, and asynchronous
// destruction under concurrent access.
//
// A Host moves through a strict state model (see State) guarded by a
// short low-level lock, owns a bundle of resources acquired in a fixed
// order during Attach and unwound in exact reverse order on failure, and
// is destroyed by a finalizer that runs when the last reference is
// dropped. A long-held scan mutex makes removal and device discovery
// mutually exclusive without serializing unrelated hosts.
//
// The command transport, attribute export and bookkeeping layers are
// external collaborators reached through narrow interfaces; the core only
// sequences them.
package host
