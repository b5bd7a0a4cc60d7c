// Package storage provides the persistence layer used by the reconciler.
//
// It currently supports:
//   - Posts: the content store queried for overdue scheduled posts
//   - Options: name/value settings read on every detection cycle
//   - Transients: the expiring key/value cache behind the throttle gate
package storage
