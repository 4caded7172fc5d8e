package reconciler

// Kind tags the outcome of a notification or reconciliation operation.
// Handlers build their response envelopes from the tag, so every code path
// yields a well-formed response.
type Kind int

const (
	// KindAccepted: the event was processed and its side effects applied.
	KindAccepted Kind = iota
	// KindDuplicate: the event's dedup key was already processed. Not an
	// error; acknowledged as success without reprocessing.
	KindDuplicate
	// KindValidationFailure: malformed input — unparseable JSON, missing
	// required fields, missing signature header.
	KindValidationFailure
	// KindAuthenticityFailure: a signature was present but invalid.
	KindAuthenticityFailure
	// KindAuthFailure: credential exchange with the gateway failed.
	KindAuthFailure
	// KindBusinessDecline: the gateway reported a non-zero business result
	// on a well-formed exchange.
	KindBusinessDecline
	// KindTransportFailure: network error or timeout talking to the gateway.
	KindTransportFailure
	// KindLedgerFailure: the accounting collaborator rejected a mutation.
	KindLedgerFailure
	// KindInternalError: an unexpected failure, still answered with a
	// structured envelope.
	KindInternalError
)

// Accepted reports whether the event counts as successfully received.
// Duplicates are acknowledged as success so the gateway stops redelivering.
func (k Kind) Accepted() bool {
	return k == KindAccepted || k == KindDuplicate
}

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindDuplicate:
		return "duplicate"
	case KindValidationFailure:
		return "validation_failure"
	case KindAuthenticityFailure:
		return "authenticity_failure"
	case KindAuthFailure:
		return "auth_failure"
	case KindBusinessDecline:
		return "business_decline"
	case KindTransportFailure:
		return "transport_failure"
	case KindLedgerFailure:
		return "ledger_failure"
	default:
		return "internal_error"
	}
}

// IPNResult is the outcome of handling a C2B instant payment notification.
// The handler echoes MessageID and OriginatorConversationID back in the
// response header and quotes TransactionID (the stored record id) in the
// response payload.
type IPNResult struct {
	Kind                     Kind
	MessageID                string
	OriginatorConversationID string
	TransactionID            string
	StatusMessage            string
}

// StatusCode maps the result onto the gateway's two-valued response code:
// "0" accepted (including duplicates), "1" rejected.
func (r IPNResult) StatusCode() string {
	if r.Kind.Accepted() {
		return "0"
	}
	return "1"
}

// CallbackResult is the outcome of handling a solicited STK callback.
type CallbackResult struct {
	Kind   Kind
	Reason string
}
