// Package session persists per-user advisory conversation state.
//
// A Session is stored as one whole JSON document keyed by user ID. Writes
// replace the full document; there are no field-level patches.
//
// Invariants:
// - Load never fails for an unknown user; it returns a fresh default Session.
// - Save is last-writer-wins. Callers serialize turns per user.
// - Reset is idempotent and leaves a default Session behind.
// - User IDs are validated and path-safe.
//
// Usage:
//
//	store, _ := session.NewSQLiteStore("/var/lib/cropadvisor/sessions.db")
//	s, _ := store.Load(ctx, "12345")
//	s.Profile.Crop = "rice"
//	_ = store.Save(ctx, "12345", s)
package session
