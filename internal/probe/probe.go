// Package probe defines the value types produced by a single Echo Request:
// the outcome kinds and the immutable result record. Every other component
// (transport, hop statistics, session, topology) shares this vocabulary
// instead of redefining its own.
package probe

import (
	"fmt"
	"time"

	"github.com/mtrtopo/pathwatch/internal/addr"
)

// Kind is the disposition of a single probe.
type Kind int

// Values for Kind.
const (
	// EchoReply is a normal ping response from the probed target.
	EchoReply Kind = iota

	// TimeExceeded is an intermediate router reporting TTL expiry.
	TimeExceeded

	// Unreachable is a destination- or port-unreachable message.
	Unreachable

	// OtherICMP is an ICMP message of a kind this system doesn't interpret
	// specially. Code carries the ICMP code field.
	OtherICMP

	// Timeout means no reply arrived within the probe's deadline.
	Timeout

	// SendError means the local OS rejected the send (e.g. permission
	// denied, network unreachable).
	SendError
)

func (k Kind) String() string {
	switch k {
	case EchoReply:
		return "echo_reply"
	case TimeExceeded:
		return "time_exceeded"
	case Unreachable:
		return "unreachable"
	case OtherICMP:
		return "other_icmp"
	case Timeout:
		return "timeout"
	case SendError:
		return "send_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsLoss reports whether a probe of this kind counts as lost for hop
// statistics purposes. Per spec, only timeout and send_error are losses;
// unreachable and other ICMP kinds are not.
func (k Kind) IsLoss() bool {
	return k == Timeout || k == SendError
}

// HasRTT reports whether this kind carries a meaningful round-trip time.
func (k Kind) HasRTT() bool {
	return k == EchoReply || k == TimeExceeded
}

// Outcome is the immutable result of one Echo Request.
type Outcome struct {
	// Responder is the address that produced this outcome. Zero if none
	// (timeout, send_error).
	Responder addr.Address

	// RTT is valid only when Kind.HasRTT() is true.
	RTT time.Duration

	Kind Kind

	// Code is the ICMP code field, meaningful for Unreachable and OtherICMP.
	Code int

	// TTL is the hop-limit the probe was sent with.
	TTL int

	// Sequence is the 16-bit correlation sequence used for this probe.
	Sequence uint16

	SentAt     time.Time
	ReceivedAt time.Time

	// Err records why a SendError occurred. Nil for every other Kind.
	Err error

	// Permanent marks a SendError that will not resolve by retrying (e.g.
	// permission denied). Propagated by the session as transport_fatal.
	Permanent bool
}

// IsLoss reports whether this outcome counts as a lost probe.
func (o Outcome) IsLoss() bool {
	return o.Kind.IsLoss()
}
