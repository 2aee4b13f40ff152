// Package types provides shared type definitions used across internal packages.
package types

// RawEvent is an event as received from a relay: the undecoded event JSON
// and the normalized URL of the relay that sent it.
type RawEvent struct {
	URL  string
	JSON []byte
}
