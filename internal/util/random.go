package util

import (
	"math/rand/v2"
	"strings"
)

const (
	// idHexLength is the length of the random part of generated record IDs.
	idHexLength = 32

	hexDigits = "0123456789abcdef"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits. Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for range length {
		b.WriteByte(hexDigits[rand.IntN(len(hexDigits))])
	}
	return b.String()
}

// GenerateEventID returns a new reminder event ID ("evt_" prefix).
func GenerateEventID() string {
	return GenerateRandomID("evt_", idHexLength)
}

// GeneratePatientID returns a new patient ID ("p_" prefix).
func GeneratePatientID() string {
	return GenerateRandomID("p_", idHexLength)
}
