package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid  ReasonCode = "config_invalid"
	ReasonAuthRefresh    ReasonCode = "auth_refresh"
	ReasonMalformedInput ReasonCode = "malformed_input"

	ReasonUpstreamRequest  ReasonCode = "upstream_request"
	ReasonUpstreamResponse ReasonCode = "upstream_response"

	ReasonTransportRelay ReasonCode = "transport_relay"
	ReasonSessionState   ReasonCode = "session_state"
	ReasonPollTimeout    ReasonCode = "poll_timeout"

	ReasonCollectorPost ReasonCode = "collector_post"
	ReasonStorageWrite  ReasonCode = "storage_write"
)
