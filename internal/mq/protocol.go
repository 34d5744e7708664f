// Package mq builds collector topics and report payloads and hands them to a
// publish primitive. Payloads are small JSON documents with fixed bounds.
package mq

import "errors"

// Buffer bounds carried over from the device firmware layout.
const (
	// BufferSize bounds topic names and the client identifier. A value must
	// be strictly shorter to fit together with its terminator.
	BufferSize = 128

	// AddressSize bounds the textual form of an address.
	AddressSize = 32

	// PayloadSize bounds a report payload.
	PayloadSize = 256

	// DefaultAddressStrip is how many leading characters of the address text
	// are dropped to form the compact address ("fd00::" on the testbed).
	DefaultAddressStrip = 6
)

// QoS levels.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

var (
	ErrBufferTooShort  = errors.New("mq: buffer too short")
	ErrQueueFull       = errors.New("mq: outbound queue full")
	ErrNotConnected    = errors.New("mq: not connected")
	ErrNoTopic         = errors.New("mq: topics not built")
	ErrBadHardwareAddr = errors.New("mq: hardware address must be 6 or 8 bytes")
)

// Publisher is the publish primitive of the collector connection.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Report statuses recorded for every publish attempt.
const (
	StatusSent         = "sent"
	StatusQueueFull    = "queue-full"
	StatusNotConnected = "not-connected"
	StatusNoTopic      = "no-topic"
	StatusFailed       = "failed"
)
