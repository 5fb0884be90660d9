// Package storage is the relay's event store.
//
// It persists:
//   - Alert records and their per-recipient delivery targets
//   - Module cooldown settings and the latest health probe per module
//   - Chat subscriptions
//   - Acknowledgment state of delivered messages
//
// Drivers: "sqlite" (modernc, pure Go), "postgres" (lib/pq) and "memory".
package storage
