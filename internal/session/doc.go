// Package session implements the spending session state machine: one-time
// authorization against the wallet, persistent budget accounting with clamped
// exhaustion, restore-on-startup validation, and pluggable stores with change
// notification.
package session
