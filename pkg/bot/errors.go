package bot

import "errors"

var (
	// ErrSendFailed is returned when an action could not be written to the binding
	ErrSendFailed = errors.New("send failed")

	// ErrTimeout is returned when no response arrived within the call timeout
	ErrTimeout = errors.New("action timed out")

	// ErrDisconnected is returned to callers whose binding ended while they waited
	ErrDisconnected = errors.New("bot disconnected")

	// ErrDuplicateConnection is returned when a live bot is registered again under the reject policy
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrBotNotFound is returned when no handle is registered for a key
	ErrBotNotFound = errors.New("bot not found")

	// ErrRegistryClosed is returned by Register after Close
	ErrRegistryClosed = errors.New("registry closed")
)
