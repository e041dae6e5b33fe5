package hub

// Custom WebSocket close codes for the subscription stream's optional WS transport. Standard codes
// (1000, 1001) are defined by RFC 6455; the 4000 range is reserved for application use.
const (
	CloseNotAMember = 4100
)
