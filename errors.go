package portal

import "errors"

// Transport and lifecycle errors, grounded on the teacher's commands.go
// constant block.
var (
	ErrConnectionClosed     = errors.New("portal: connection is closed")
	ErrContextCancelled     = errors.New("portal: context cancelled")
	ErrFailedToEncode       = errors.New("portal: failed to encode packet")
	ErrFailedToDecode       = errors.New("portal: failed to decode packet")
	ErrServerAlreadyRunning = errors.New("portal: server already running")
	ErrServerNotRunning     = errors.New("portal: server is not running")
	ErrConnectionNotFound   = errors.New("portal: connection not found")
	ErrDuplicateAlias       = errors.New("portal: duplicate rpc method alias")
	ErrNotPullMode          = errors.New("portal: server was not constructed for pull-style Accept")
)

// RPCErrorCode enumerates the error codes an RPC response envelope can
// carry. Exactly one of these, or none, is set on every Response.
type RPCErrorCode string

const (
	ErrMethodNotFound  RPCErrorCode = "METHOD_NOT_FOUND"
	ErrAccessDenied    RPCErrorCode = "ACCESS_DENIED"
	ErrRateLimited     RPCErrorCode = "RATE_LIMITED"
	ErrInvalidArgument RPCErrorCode = "INVALID_ARGUMENTS"
	ErrInternal        RPCErrorCode = "INTERNAL_ERROR"
)

// PacketSource identifies where a packet originated, matching the wire
// enum documented in spec.md's external interfaces section.
type PacketSource int

const (
	SourceClient    PacketSource = 1
	SourceServer    PacketSource = 2
	SourceChannel   PacketSource = 3
	SourceBroadcast PacketSource = 4
	SourceRPC       PacketSource = 5
)

// Standard WebSocket close codes used by the server and client runtimes.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)
