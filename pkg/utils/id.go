package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateViewerID mints the viewer id handed out on join. Clients echo it
// on every later signaling call for that session.
func GenerateViewerID() string {
	return fmt.Sprintf("viewer_%s", uuid.NewString())
}

// GenerateInstanceID identifies this relay instance on the shared event bus.
func GenerateInstanceID() string {
	return fmt.Sprintf("relay_%s", uuid.NewString())
}
