package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Session-level taxonomy.
	ReasonTransportFailure   ReasonCode = "transport_failure"
	ReasonCancellation       ReasonCode = "cancellation"
	ReasonMalformedEvent     ReasonCode = "malformed_event"
	ReasonCaptureUnavailable ReasonCode = "capture_unavailable"

	ReasonSuggestConnect   ReasonCode = "suggest_connect"
	ReasonSuggestStatus    ReasonCode = "suggest_status"
	ReasonSuggestRemote    ReasonCode = "suggest_remote_error"
	ReasonAnalyzeRequest   ReasonCode = "analyze_request"
	ReasonAnalyzeRateLimit ReasonCode = "analyze_rate_limit"
	ReasonAnalyzeCircuit   ReasonCode = "analyze_circuit_open"
	ReasonAnalyzeDecode    ReasonCode = "analyze_decode"
	ReasonPersist          ReasonCode = "persist_visit"

	ReasonCaptureConnect ReasonCode = "capture_connect"
	ReasonCaptureSend    ReasonCode = "capture_send"

	ReasonEventPublish  ReasonCode = "event_publish"
	ReasonNotifySend    ReasonCode = "notify_send"
	ReasonTransportSend ReasonCode = "transport_send"
)

// IsTransport reports whether a reason belongs to the transport-failure family.
func IsTransport(reason ReasonCode) bool {
	switch reason {
	case ReasonTransportFailure, ReasonSuggestConnect, ReasonSuggestStatus, ReasonSuggestRemote,
		ReasonAnalyzeRequest, ReasonAnalyzeRateLimit, ReasonAnalyzeCircuit, ReasonAnalyzeDecode,
		ReasonPersist:
		return true
	}
	return false
}
