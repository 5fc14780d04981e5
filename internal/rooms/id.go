package rooms

import (
	"fmt"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// IDAlphabet is the fixed alphabet room ids are drawn from.
	IDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	DefaultIDLength = 8
	MinIDLength     = 4
	MaxIDLength     = 64
)

// IDSource produces candidate room ids. The registry only calls it while
// holding its lock, so implementations need not be safe for concurrent use.
type IDSource func() string

// NewIDSource returns a nanoid generator over IDAlphabet producing ids of the
// given length. A length of 0 selects DefaultIDLength.
func NewIDSource(length int) (IDSource, error) {
	if length == 0 {
		length = DefaultIDLength
	}
	if length < MinIDLength || length > MaxIDLength {
		return nil, fmt.Errorf("room id length %d out of range (%d-%d)", length, MinIDLength, MaxIDLength)
	}
	gen, err := nanoid.CustomASCII(IDAlphabet, length)
	if err != nil {
		return nil, fmt.Errorf("room id generator: %w", err)
	}
	return IDSource(gen), nil
}
