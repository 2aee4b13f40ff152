package types

import "strconv"

// SubID identifies a logical outbox subscription. Ids are minted by the pool,
// dense and small.
type SubID uint32

func (id SubID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// RelayStatus is the connection state of a relay websocket
type RelayStatus int

const (
	RelayDisconnected RelayStatus = iota
	RelayConnecting
	RelayConnected
)

func (s RelayStatus) String() string {
	switch s {
	case RelayConnected:
		return "connected"
	case RelayConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// ReqStatus tracks a subscription's REQ on a single relay.
// InitialQuery -> Eose on the first EOSE; any -> Closed on CLOSED or revocation.
type ReqStatus int

const (
	ReqInitialQuery ReqStatus = iota
	ReqEose
	ReqClosed
)

func (s ReqStatus) String() string {
	switch s {
	case ReqEose:
		return "eose"
	case ReqClosed:
		return "closed"
	default:
		return "initial_query"
	}
}

// RelayType is the routing mode of a subscription on one relay
type RelayType int

const (
	RelayCompaction RelayType = iota
	RelayTransparent
)

func (t RelayType) String() string {
	if t == RelayTransparent {
		return "transparent"
	}
	return "compaction"
}
