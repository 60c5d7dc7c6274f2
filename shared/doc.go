// Package shared implements the owner-gated shared container: an atomic
// pointer to a payload, a dynamic owner mask, a per-owner last-sync
// timestamp array, level-graded access validation, and epoch-deferred
// atomic swap. Retired payloads are handed to the caller's cleanup through
// an epoch.Manager, the same deferral discipline the buddy and lifecycle
// packages use, so a lock-free reader mid-AccessEBR never sees a payload
// freed out from under it.
package shared
