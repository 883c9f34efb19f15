// Package hoard implements an embedded, persistent, page-granular cache
// in front of a local LSM-tree key-value store. A Ball exposes a
// virtual-address interface: reads and writes are served from a bounded
// set of fixed-size in-memory frames managed by an Adaptive Replacement
// Cache, with cold pages evicted to the store and re-faulted on demand.
package hoard
