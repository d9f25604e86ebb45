package security

import (
	"time"

	"github.com/meshplane/core/pkg/types"
)

// certRotationThreshold is how much validity must remain before a node
// schedules its own rotate() call; kept well inside the grace window so a
// rotation always lands before expiry even under scheduling jitter.
const certRotationThreshold = rotationGrace

// NeedsRotation reports true if cert should be rotated: less than
// certRotationThreshold remains until NotAfter.
func NeedsRotation(cert *types.Certificate, now time.Time) bool {
	if cert == nil {
		return true
	}
	return cert.NotAfter.Sub(now) < certRotationThreshold
}

// TimeRemaining returns how long until cert expires, relative to now.
func TimeRemaining(cert *types.Certificate, now time.Time) time.Duration {
	if cert == nil {
		return 0
	}
	return cert.NotAfter.Sub(now)
}
