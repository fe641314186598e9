package adapter

import (
	"strings"

	"github.com/loykin/flashr/internal/failure"
)

// Known failure signatures in adapter output, matched case-insensitively.
var (
	claimSignatures    = []string{"could not claim interface", "resource busy"}
	usbErrorSignatures = []string{"error submitting usb"}
	notFoundSignatures = []string{"no cmsis-dap device found"}
)

// Classify maps adapter output to a failure kind. The second return value is
// false when no known signature matched.
func Classify(output string) (failure.Kind, bool) {
	lo := strings.ToLower(output)
	switch {
	case containsAny(lo, claimSignatures):
		return failure.ProbeBusy, true
	case containsAny(lo, usbErrorSignatures):
		return failure.ProbeUSBError, true
	case containsAny(lo, notFoundSignatures):
		return failure.ProbeNotFound, true
	}
	return failure.ProbeUnclassified, false
}

// Describe returns the human-readable message for a probe failure kind.
func Describe(kind failure.Kind) string {
	switch kind {
	case failure.ProbeBusy:
		return "debug probe USB interface is busy (another process has claimed it)"
	case failure.ProbeUSBError:
		return "debug probe USB communication error (interface may be in use)"
	case failure.ProbeNotFound:
		return "no CMSIS-DAP debug probe found (is it connected?)"
	case failure.ProbeTimeout:
		return "debug probe timed out (interface may be hung)"
	default:
		return "debug probe initialization failed"
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
