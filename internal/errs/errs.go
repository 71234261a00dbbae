// Package errs defines the sentinel and wrapped error kinds shared across the
// inbound/outbound processing engine, so callers can classify failures with
// errors.Is/errors.As instead of matching on strings.
package errs

import "errors"

// Sentinel errors for the policies described in the error-handling design.
var (
	// ErrPacketMalformed means the codec rejected a packet file outright.
	ErrPacketMalformed = errors.New("packet malformed")

	// ErrPacketReplay means the packet ID was already present in the replay log.
	ErrPacketReplay = errors.New("packet replay detected")

	// ErrDummyPacket means the packet decoded to a dummy (exit_type == 1).
	ErrDummyPacket = errors.New("dummy packet")

	// ErrProtocolError means an outbound envelope violated the wire format
	// (missing Expire, unparseable date, neither/both of To/Next-Hop).
	ErrProtocolError = errors.New("protocol error")

	// ErrExpiredOutbound means an outbound peer-bound file's Expire date has passed.
	ErrExpiredOutbound = errors.New("outbound message expired")

	// ErrTransientSend means an SMTP or HTTP send attempt failed in a way that
	// should be retried on a later cycle.
	ErrTransientSend = errors.New("transient send failure")

	// ErrUnknownAddress means no advertised peer record matches a requested address.
	ErrUnknownAddress = errors.New("unknown address")

	// ErrKeyGenerationFailed means a local advertisable key could not be produced.
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrDescriptorAlreadyAttempted means this address was already (unsuccessfully)
	// fetched this cycle and is being held back by the negative cache.
	ErrDescriptorAlreadyAttempted = errors.New("descriptor fetch already attempted this cycle")
)

// DescriptorImportError wraps the specific reason a peer descriptor import failed,
// so callers can log the underlying cause while still testing with errors.Is
// against the DescriptorImport sentinel below via its Is method; Unwrap
// exposes the wrapped cause, if any.
type DescriptorImportError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *DescriptorImportError) Error() string {
	if e.Err != nil {
		return "descriptor import failed for " + e.Addr + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "descriptor import failed for " + e.Addr + ": " + e.Reason
}

func (e *DescriptorImportError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrDescriptorImport
}

// ErrDescriptorImport is the sentinel matched by errors.Is(err, ErrDescriptorImport)
// for any *DescriptorImportError, even when it has no wrapped cause.
var ErrDescriptorImport = errors.New("descriptor import error")

func (e *DescriptorImportError) Is(target error) bool {
	return target == ErrDescriptorImport
}
