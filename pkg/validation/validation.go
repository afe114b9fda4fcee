package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// StreamIDRegex validates stream ID format.
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ViewerIDRegex validates viewer ID format.
	ViewerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateStreamID checks the opaque stream identifier supplied by the
// stream-metadata collaborator.
func ValidateStreamID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("stream id is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("stream id is too long (max 100 characters)")
	}
	if !StreamIDRegex.MatchString(id) {
		return fmt.Errorf("stream id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateViewerID checks a relay-issued viewer identifier echoed back by
// the client on answer, candidate and leave calls.
func ValidateViewerID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("viewer id is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("viewer id is too long (max 100 characters)")
	}
	if !ViewerIDRegex.MatchString(id) {
		return fmt.Errorf("viewer id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateSDP performs a structural sanity check on a session description
// before it is handed to the transport.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid sdp: must start with 'v='")
	}
	for _, field := range []string{"v=", "o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid sdp: missing required field %q", field)
		}
	}
	return nil
}

// ValidateCandidate checks an ICE candidate payload. An empty candidate
// string is legal: it signals end-of-candidates.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > 2048 {
		return fmt.Errorf("candidate is too long")
	}
	return nil
}
