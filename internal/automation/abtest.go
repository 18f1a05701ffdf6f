package automation

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Bucket maps (salt, leadID) to a stable point in [0, 1).
func Bucket(salt string, leadID uuid.UUID) float64 {
	h := blake3.New()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write(leadID[:])
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])>>11) / (1 << 53)
}

// Variant picks "A" or "B" for the lead. The same lead always lands in the same variant.
func (t ABTest) Variant(ruleID, leadID uuid.UUID) (string, []Action) {
	salt := t.Salt
	if salt == "" {
		salt = ruleID.String()
	}
	if Bucket(salt, leadID) < t.Ratio {
		return "A", t.A
	}
	return "B", t.B
}
