package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStreamID(t *testing.T) {
	assert.NoError(t, ValidateStreamID("my-stream_01"))
	assert.NoError(t, ValidateStreamID("A"))

	assert.Error(t, ValidateStreamID(""))
	assert.Error(t, ValidateStreamID("   "))
	assert.Error(t, ValidateStreamID("has space"))
	assert.Error(t, ValidateStreamID("slash/id"))
	assert.Error(t, ValidateStreamID(strings.Repeat("x", 101)))
}

func TestValidateViewerID(t *testing.T) {
	assert.NoError(t, ValidateViewerID("viewer_8400d1b2"))

	assert.Error(t, ValidateViewerID(""))
	assert.Error(t, ValidateViewerID("bad!id"))
}

func TestValidateSDP(t *testing.T) {
	valid := "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	assert.NoError(t, ValidateSDP(valid))

	assert.Error(t, ValidateSDP(""))
	assert.Error(t, ValidateSDP("not an sdp"))
	// Starts correctly but is missing the timing field.
	assert.Error(t, ValidateSDP("v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\n"))
}

func TestValidateCandidate(t *testing.T) {
	assert.NoError(t, ValidateCandidate("candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host"))
	// Empty candidate means end-of-candidates.
	assert.NoError(t, ValidateCandidate(""))

	assert.Error(t, ValidateCandidate(strings.Repeat("a", 2049)))
}
