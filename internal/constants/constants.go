package constants

// DefaultUpstreamURL is the Perplexity chat completions endpoint every chat
// request is relayed to unless PERPLEXITY_API_URL overrides it.
const DefaultUpstreamURL = "https://api.perplexity.ai/chat/completions"

// CredentialMarker is the key that precedes the quoted API key inside the
// browser-side config.js file.
const CredentialMarker = "PERPLEXITY_API_KEY:"

// CredentialYAMLKey is the key read from the structured credentials file.
const CredentialYAMLKey = "perplexity_api_key"

// Server-sent event framing.
const (
	EventDataPrefix  = "data: "
	EventTerminator  = "\n\n"
	EventContentType = "text/event-stream"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"
