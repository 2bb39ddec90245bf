package device

import (
	"fmt"
	"strconv"
	"strings"
)

// HardenedKeyStart marks the first hardened child index in a BIP32
// derivation path.
const HardenedKeyStart uint32 = 0x80000000

// MaxPathDepth is the deepest derivation the device will perform in a
// single request.
const MaxPathDepth = 10

// Path is a BIP32 derivation path as the device consumes it.
type Path []uint32

// ParsePath parses a derivation path such as "44'/0'/0'/0/1". A
// leading "m/" is accepted and ignored; hardened components may use
// the ', h, or H suffix.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "m/")
	if s == "" {
		return nil, fmt.Errorf("empty derivation path")
	}

	parts := strings.Split(s, "/")
	if len(parts) > MaxPathDepth {
		return nil, fmt.Errorf("derivation path too deep: %d components (max %d)",
			len(parts), MaxPathDepth)
	}

	path := make(Path, 0, len(parts))
	for _, part := range parts {
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") ||
			strings.HasSuffix(part, "H") {

			hardened = true
			part = part[:len(part)-1]
		}

		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid path component %q: %w", part, err)
		}
		if uint32(index) >= HardenedKeyStart {
			return nil, fmt.Errorf("path component %d out of range", index)
		}

		component := uint32(index)
		if hardened {
			component |= HardenedKeyStart
		}
		path = append(path, component)
	}

	return path, nil
}

// String renders the path with apostrophe hardened markers, e.g.
// "44'/0'/0'/0/1".
func (p Path) String() string {
	var sb strings.Builder
	for i, component := range p {
		if i > 0 {
			sb.WriteByte('/')
		}
		if component >= HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(uint64(component-HardenedKeyStart), 10))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(strconv.FormatUint(uint64(component), 10))
		}
	}
	return sb.String()
}

// Serialize flattens the path into the device wire encoding: a depth
// byte followed by each component as a 4-byte big-endian integer.
func (p Path) Serialize() []byte {
	out := make([]byte, 1+4*len(p))
	out[0] = byte(len(p))
	for i, component := range p {
		out[1+4*i] = byte(component >> 24)
		out[2+4*i] = byte(component >> 16)
		out[3+4*i] = byte(component >> 8)
		out[4+4*i] = byte(component)
	}
	return out
}
