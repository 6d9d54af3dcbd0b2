// Package rtio owns the types shared by the real-time I/O core and its clients.
//
// Ownership boundary:
// - timestamp and channel addressing
// - CRI status bitmask
// - input read results
package rtio
