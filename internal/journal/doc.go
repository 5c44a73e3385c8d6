// Package journal persists connection state transitions to Postgres for
// later diagnosis. Only transitions are recorded, never message payloads.
//
// Recording never blocks the caller: transitions are queued in a bounded
// buffer that drops the oldest entry when full, and written in batches.
package journal
