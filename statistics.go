package ticl

import (
	"sort"
)

type SentMessageType int

const (
	SentTotal SentMessageType = iota
	SentInitialize
	SentInfo
	SentRegistration
	SentInvalidationAck
	SentRegistrationSync
)

func (self SentMessageType) String() string {
	switch self {
	case SentTotal:
		return "sent.total"
	case SentInitialize:
		return "sent.initialize"
	case SentInfo:
		return "sent.info"
	case SentRegistration:
		return "sent.registration"
	case SentInvalidationAck:
		return "sent.invalidation-ack"
	case SentRegistrationSync:
		return "sent.registration-sync"
	default:
		return "sent.unknown"
	}
}

type ReceivedMessageType int

const (
	ReceivedTotal ReceivedMessageType = iota
	ReceivedTokenControl
	ReceivedInvalidation
	ReceivedRegistrationStatus
	ReceivedRegistrationSyncRequest
	ReceivedInfoRequest
)

func (self ReceivedMessageType) String() string {
	switch self {
	case ReceivedTotal:
		return "received.total"
	case ReceivedTokenControl:
		return "received.token-control"
	case ReceivedInvalidation:
		return "received.invalidation"
	case ReceivedRegistrationStatus:
		return "received.registration-status"
	case ReceivedRegistrationSyncRequest:
		return "received.registration-sync-request"
	case ReceivedInfoRequest:
		return "received.info-request"
	default:
		return "received.unknown"
	}
}

type ClientErrorType int

const (
	ErrIncomingMessageFailure ClientErrorType = iota
	ErrOutgoingMessageFailure
	ErrProtocolVersionFailure
	ErrTokenMismatch
	ErrTokenMissingFailure
	ErrRegistrationDiscrepancy
)

func (self ClientErrorType) String() string {
	switch self {
	case ErrIncomingMessageFailure:
		return "error.incoming-message-failure"
	case ErrOutgoingMessageFailure:
		return "error.outgoing-message-failure"
	case ErrProtocolVersionFailure:
		return "error.protocol-version-failure"
	case ErrTokenMismatch:
		return "error.token-mismatch"
	case ErrTokenMissingFailure:
		return "error.token-missing-failure"
	case ErrRegistrationDiscrepancy:
		return "error.registration-discrepancy"
	default:
		return "error.unknown"
	}
}

type Counter struct {
	Name  string
	Value int64
}

// Statistics counts protocol events. Counters are recorded and read on the
// internal thread only; snapshots feed outbound info messages.
type Statistics struct {
	sent     map[SentMessageType]int64
	received map[ReceivedMessageType]int64
	errors   map[ClientErrorType]int64
}

func NewStatistics() *Statistics {
	return &Statistics{
		sent:     map[SentMessageType]int64{},
		received: map[ReceivedMessageType]int64{},
		errors:   map[ClientErrorType]int64{},
	}
}

func (self *Statistics) RecordSentMessage(t SentMessageType) {
	self.sent[t] += 1
}

func (self *Statistics) RecordReceivedMessage(t ReceivedMessageType) {
	self.received[t] += 1
}

func (self *Statistics) RecordError(t ClientErrorType) {
	self.errors[t] += 1
}

func (self *Statistics) SentCount(t SentMessageType) int64 {
	return self.sent[t]
}

func (self *Statistics) ReceivedCount(t ReceivedMessageType) int64 {
	return self.received[t]
}

func (self *Statistics) ErrorCount(t ClientErrorType) int64 {
	return self.errors[t]
}

// Counters returns the non-zero counters sorted by name.
func (self *Statistics) Counters() []Counter {
	counters := []Counter{}
	for t, value := range self.sent {
		if value != 0 {
			counters = append(counters, Counter{Name: t.String(), Value: value})
		}
	}
	for t, value := range self.received {
		if value != 0 {
			counters = append(counters, Counter{Name: t.String(), Value: value})
		}
	}
	for t, value := range self.errors {
		if value != 0 {
			counters = append(counters, Counter{Name: t.String(), Value: value})
		}
	}
	sort.Slice(counters, func(i int, j int) bool {
		return counters[i].Name < counters[j].Name
	})
	return counters
}
