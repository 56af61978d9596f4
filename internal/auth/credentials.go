// Package auth issues and checks seat credentials and verifies account tokens.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/google/uuid"

	"github.com/park285/match-core/internal/storage"
)

const (
	userKeyPrefix  = "user:"
	guestKeyPrefix = "guest:"
)

// GenerateCredentials returns a fresh opaque seat secret.
func GenerateCredentials() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SeatCredentialsMatch compares credentials with the seat's stored secret. A seat
// without credentials never matches.
func SeatCredentialsMatch(md *storage.MatchMetadata, playerID, credentials string) bool {
	if md == nil || credentials == "" {
		return false
	}
	seat, ok := md.Players[playerID]
	if !ok || seat == nil || seat.Credentials == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(seat.Credentials), []byte(credentials)) == 1
}

// Identity is who is asking for a seat: an account or a guest.
type Identity struct {
	UserID      string
	GuestID     string
	DisplayName string
}

func (i Identity) IsUser() bool { return i.UserID != "" }

// OwnerKey is the setupData.ownerKey form of the identity.
func (i Identity) OwnerKey() string {
	if i.UserID != "" {
		return UserOwnerKey(i.UserID)
	}
	if i.GuestID != "" {
		return GuestOwnerKey(i.GuestID)
	}
	return ""
}

func UserOwnerKey(userID string) string { return userKeyPrefix + userID }

func GuestOwnerKey(guestID string) string { return guestKeyPrefix + guestID }
