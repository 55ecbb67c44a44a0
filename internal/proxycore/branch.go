package proxycore

import (
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// generateBranch produces a unique Via branch parameter of the form
// z9hG4bK-<uuid>, unique within the lifetime of the process.
func generateBranch() string {
	return sip.RFC3261BranchMagicCookie + "-" + uuid.NewString()
}
