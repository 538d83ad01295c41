// Package storage is the persistence collaborator.
//
// It stores feed state, dedupe records, the durable delivery queue, health
// samples, alerts and the audit trail, and doubles as the distributed lock
// provider (token-guarded rows with expiry) shared by every process that
// opens the same database.
package storage
