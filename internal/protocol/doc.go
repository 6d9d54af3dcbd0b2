// Package protocol owns the DRTIO link wire contract.
//
// Ownership boundary:
// - frame: fixed header, checksum and plane selection
// - tlv, schema: aux payload fields and their validation
// - packet: data-plane and aux-plane packet types
// - session: aux reliability primitives (timeouts, backoff, outstanding requests)
package protocol
