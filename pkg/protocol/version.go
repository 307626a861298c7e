package protocol

import "slices"

// Known MCP protocol versions. Versions are ISO dates, so lexicographic
// comparison orders them chronologically.
const (
	Version20241105 = "2024-11-05"
	Version20250326 = "2025-03-26"
	Version20250618 = "2025-06-18"
)

// DefaultSupportedVersions lists the versions the gateway speaks,
// newest first.
var DefaultSupportedVersions = []string{
	Version20250618,
	Version20250326,
	Version20241105,
}

// IsKnownVersion reports whether v is one of the versions this codebase
// recognizes at all.
func IsKnownVersion(v string) bool {
	return slices.Contains(DefaultSupportedVersions, v)
}

// Negotiator maps a client-offered protocol version to the best
// server-supported version and answers feature-gating questions.
type Negotiator struct {
	// supported is ordered newest first.
	supported []string
}

// NewNegotiator creates a Negotiator for the given supported versions
// (ordered newest first). An empty list falls back to
// DefaultSupportedVersions.
func NewNegotiator(supported []string) *Negotiator {
	if len(supported) == 0 {
		supported = DefaultSupportedVersions
	}
	return &Negotiator{supported: slices.Clone(supported)}
}

// Negotiate returns the protocol version the server will speak for a client
// that offered clientVersion:
//   - an exactly supported version is accepted as-is,
//   - a version newer than anything supported downgrades to the newest,
//   - anything else falls back to the oldest supported version.
func (n *Negotiator) Negotiate(clientVersion string) string {
	if n.IsSupported(clientVersion) {
		return clientVersion
	}
	if clientVersion > n.Newest() {
		return n.Newest()
	}
	return n.Oldest()
}

// IsSupported reports whether v is an exactly supported version.
func (n *Negotiator) IsSupported(v string) bool {
	return slices.Contains(n.supported, v)
}

// Newest returns the newest supported version.
func (n *Negotiator) Newest() string {
	return n.supported[0]
}

// Oldest returns the oldest supported version.
func (n *Negotiator) Oldest() string {
	return n.supported[len(n.supported)-1]
}

// Supported returns the supported versions, newest first.
func (n *Negotiator) Supported() []string {
	return slices.Clone(n.supported)
}

// Feature gates. Each reports whether the given negotiated version carries
// the feature on the wire.

// SupportsAnnotations reports whether tool annotations are included in
// tools/list responses.
func SupportsAnnotations(version string) bool {
	return version >= Version20250326
}

// SupportsCompletions reports whether the completions/complete method is
// available.
func SupportsCompletions(version string) bool {
	return version >= Version20250326
}

// SupportsAudioContent reports whether audio content parts are advertised.
func SupportsAudioContent(version string) bool {
	return version >= Version20250326
}

// SupportsStreamableHTTP reports whether the streamable HTTP transport is
// available.
func SupportsStreamableHTTP(version string) bool {
	return version >= Version20250326
}

// SupportsStructuredOutput reports whether structuredContent and tool
// outputSchema are included on the wire.
func SupportsStructuredOutput(version string) bool {
	return version >= Version20250618
}

// SupportsElicitation reports whether elicitation/create is available.
func SupportsElicitation(version string) bool {
	return version >= Version20250618
}

// SupportsResourceLinks reports whether resource links may appear in tool
// results.
func SupportsResourceLinks(version string) bool {
	return version >= Version20250618
}

// RequiresResourceIndicator reports whether RFC 8707 resource indicators are
// mandatory in the OAuth flow for this version.
func RequiresResourceIndicator(version string) bool {
	return version >= Version20250618
}
