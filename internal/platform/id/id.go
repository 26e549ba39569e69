// Package id generates collision-resistant identifiers for relay entities.
//
// IDs are random UUIDv4 bytes rendered as lowercase unpadded base32. They
// carry no ordering meaning; ordering always comes from sequence columns.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh 26-character lowercase base32 identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(u[:])
	return strings.ToLower(encoded), nil
}
