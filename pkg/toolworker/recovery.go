package toolworker

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// FailureClass distinguishes a client-level failure (bad arguments, unknown
// method, a rejected call) from a transport-level one (the child process or
// connection is gone). The worker uses this only to decide its own state
// transition; it never retries on either class — retry/restart belongs to
// Tool Service (spec §4.7 invariant).
type FailureClass int

const (
	// ClientError — the MCP child is reachable and responded; the failure is
	// in the call itself.
	ClientError FailureClass = iota
	// TransportError — the connection to the MCP child is broken.
	TransportError
)

// Recovery timing constants, carried over from the teacher's equivalents
// so a worker's call latency behaves the same way under the hood.
const (
	OperationTimeout = 90 * time.Second
	MCPInitTimeout   = 30 * time.Second
	ReinitTimeout    = 10 * time.Second
	StopGracePeriod  = 5 * time.Second
)

// Classify determines whether err reflects a transport failure or a
// client-level one.
func Classify(err error) FailureClass {
	if err == nil {
		return ClientError
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClientError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClientError
		}
		return TransportError
	}

	if isConnectionError(err) {
		return TransportError
	}

	if isMCPProtocolError(err) {
		return ClientError
	}

	return ClientError
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, e := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}

func isMCPProtocolError(err error) bool {
	var wireErr *jsonrpc.Error
	if !errors.As(err, &wireErr) {
		return false
	}
	switch wireErr.Code {
	case jsonrpc.CodeParseError,
		jsonrpc.CodeInvalidRequest,
		jsonrpc.CodeMethodNotFound,
		jsonrpc.CodeInvalidParams:
		return true
	default:
		return false
	}
}
