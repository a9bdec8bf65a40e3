// Package domain defines the core types shared across the gateway and the
// task system: service entries and middleware descriptors consumed by the
// router, job records tracked by the result store, and the sentinel errors
// surfaced at component boundaries.
package domain
