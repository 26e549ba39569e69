// Package storage defines the persistence contracts for the relay core.
//
// It provides a high-level abstraction for storing rooms, identities,
// memberships, the per-room message log, and delivery receipts.
// Implementations of these interfaces (e.g., using SQLite) can be found in
// subpackages.
//
// # Error Types
//
// The package defines common error types used across storage implementations:
//   - ErrNotFound: Indicates a requested record is missing.
//   - ErrRoomNotFound: Indicates an operation referenced an absent room.
//   - ErrAlreadyExists: Indicates a uniqueness conflict on insert.
//   - ErrDuplicateNonce: Indicates an already-committed (sender, nonce) pair.
package storage
