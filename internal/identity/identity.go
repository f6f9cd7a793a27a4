// Package identity derives stable, prefixed identifiers from natural keys.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"pickupcal/internal/models"
)

// Kind selects the prefix of a generated ID so IDs of different entity types
// are never confused with each other.
type Kind string

const (
	KindGroup  Kind = "group"
	KindStream Kind = "stream"
)

var prefixes = map[Kind]string{
	KindGroup:  "sg_",
	KindStream: "cs_",
}

const idLength = 12

// GenerateID returns a short deterministic token for kind and parts. Each part
// is length-prefixed before hashing, so ("a:b", "c") and ("a", "b:c") differ.
func GenerateID(kind Kind, parts ...string) string {
	prefix, ok := prefixes[kind]
	if !ok {
		prefix = string(kind) + "_"
	}
	return prefix + digest(string(kind), parts...)[:idLength]
}

// GroupID is the stable ID of the schedule group for (identityKey, wasteType).
func GroupID(identityKey string, wasteType models.WasteType) string {
	return GenerateID(KindGroup, identityKey, string(wasteType))
}

// EventUID returns a lowercase hex UID for a provider event. Hex digits are a
// subset of base32hex, so the value is accepted as a Google Calendar event id
// and as a CalDAV object name.
func EventUID(streamID string, date models.Date, nonce string) string {
	return digest("event", streamID, date.String(), nonce)[:26]
}

func digest(kind string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
