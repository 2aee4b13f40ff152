package relay

import (
	"nostr-outbox/internal/types"
)

// Type aliases for internal/types
type SubID = types.SubID
type RelayStatus = types.RelayStatus
type ReqStatus = types.ReqStatus
type RelayType = types.RelayType
type RawEvent = types.RawEvent

const (
	RelayDisconnected = types.RelayDisconnected
	RelayConnecting   = types.RelayConnecting
	RelayConnected    = types.RelayConnected

	ReqInitialQuery = types.ReqInitialQuery
	ReqEose         = types.ReqEose
	ReqClosed       = types.ReqClosed

	RelayCompaction  = types.RelayCompaction
	RelayTransparent = types.RelayTransparent
)

// EventSink receives every event a relay sends, undecoded.
type EventSink func(RawEvent)
