// Package storage keeps the audit log of finished dispatch runs.
//
// Records are append-only and never read back to resume a run; they exist
// so operators can see what happened after the fact.
package storage
