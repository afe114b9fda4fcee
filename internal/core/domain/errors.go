package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamNotReady      = errors.New("stream not ready")
	ErrAlreadyBroadcasting = errors.New("stream already has an active broadcaster")
	ErrViewerNotFound      = errors.New("viewer not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrNegotiation         = errors.New("negotiation error")
	ErrInvalidState        = errors.New("operation invalid for current session state")
)
