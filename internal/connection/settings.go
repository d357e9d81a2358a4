package connection

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zjrosen/stepchat/internal/workflow"
)

// HasValidSettings reports whether every required credential is present.
func HasValidSettings(s workflow.Settings) bool {
	for _, v := range requiredFields(s) {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// CalculateSettingsHash returns a stable hash of the required fields only.
// Cosmetic fields such as DisplayName do not change it.
func CalculateSettingsHash(s workflow.Settings) string {
	h := sha256.New()
	for _, v := range requiredFields(s) {
		h.Write([]byte(strings.TrimSpace(v)))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func requiredFields(s workflow.Settings) [4]string {
	return [4]string{s.EndpointURL, s.AuthToken, s.TenantID, s.ParticipantID}
}
