package domain

import "time"

// ConnectionState is the reconnect supervisor's view of the stream.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribing
	StateActive
	StateBackoff
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// PendingAck is an outstanding subscribe/unsubscribe awaiting its ack.
type PendingAck struct {
	TxID   int64
	SentAt time.Time
}

// Stream topics.
const (
	TopicNewContract = "global/new-contract"
	TopicNewBet      = "global/new-bet"
)
