package redis

import (
	"fmt"

	"github.com/joomcode/errorx"
)

// Errors is the root namespace of all client errors.
var Errors = errorx.NewNamespace("redmux")

var (
	// ErrTraitNotSent signals that the request was not written to a
	// connection, hence it is safe for the caller to retry.
	ErrTraitNotSent = errorx.RegisterTrait("request_not_sent")
	// ErrTraitConnectivity marks transport level errors.
	ErrTraitConnectivity = errorx.RegisterTrait("connectivity")
	// ErrTraitUsage marks caller mistakes which never touch the network.
	ErrTraitUsage = errorx.RegisterTrait("usage")
)

var (
	// ErrOpts - wrong options given to a constructor.
	ErrOpts = Errors.NewSubNamespace("opts")
	// ErrContextIsNil - context is not passed to a constructor.
	ErrContextIsNil = ErrOpts.NewType("context_is_nil")
	// ErrNoAddressProvided - no address given to a constructor.
	ErrNoAddressProvided = ErrOpts.NewType("no_address")
	// ErrBadURL - connection URL could not be understood.
	ErrBadURL = ErrOpts.NewType("bad_url")
	// ErrBadEncoding - unknown character encoding name.
	ErrBadEncoding = ErrOpts.NewType("bad_encoding")
	// ErrConfig - client configuration file could not be used.
	ErrConfig = ErrOpts.NewType("config")
)

var (
	// ErrUsage - request rejected before reaching the network.
	ErrUsage = Errors.NewSubNamespace("usage", ErrTraitUsage, ErrTraitNotSent)
	// ErrUnknownCommand - verb is not in the supported command table.
	ErrUnknownCommand = ErrUsage.NewType("unknown_command")
	// ErrBlockingCommand - blocking verb sent to the pipelined api.
	ErrBlockingCommand = ErrUsage.NewType("blocking_command")
	// ErrArgumentType - argument is not serializable.
	ErrArgumentType = ErrUsage.NewType("argument_type")
)

var (
	// ErrConnection - request could not be handled by a connection.
	ErrConnection = Errors.NewSubNamespace("connection", ErrTraitConnectivity)
	// ErrNotConnected - connection is not established at the moment.
	ErrNotConnected = ErrConnection.NewType("not_connected", ErrTraitNotSent)
	// ErrDial - connect attempt failed.
	ErrDial = ErrConnection.NewType("could_not_connect", ErrTraitNotSent)
	// ErrAuth - password didn't match.
	ErrAuth = ErrConnection.NewType("auth_rejected", ErrTraitNotSent)
	// ErrConnSetup - other connection handshake error.
	ErrConnSetup = ErrConnection.NewType("connection_setup", ErrTraitNotSent)
	// ErrConnClosed - connection (or its owner) was explicitly closed.
	ErrConnClosed = ErrConnection.NewType("connection_closed")
	// ErrStaleProcess - connection was inherited across a process fork.
	ErrStaleProcess = ErrConnection.NewType("stale_process", ErrTraitNotSent)
)

var (
	// ErrIO - read/write error after the connection was established. It is
	// not known whether the request was processed by the server.
	ErrIO = Errors.NewType("io", ErrTraitConnectivity)
	// ErrPrematureClose - the peer closed the stream with requests in flight.
	ErrPrematureClose = ErrIO.NewSubtype("premature_close")
)

var (
	// ErrResponse - the byte stream is not a valid response.
	ErrResponse = Errors.NewSubNamespace("response")
	// ErrResponseFormat and its subtypes: stream is desynchronized, the
	// connection cannot be reused.
	ErrResponseFormat = ErrResponse.NewType("format")
	// ErrHeaderlineEmpty - empty line where a type header was expected.
	ErrHeaderlineEmpty = ErrResponseFormat.NewSubtype("headerline_empty")
	// ErrHeaderlineTooLarge - header line exceeds the reader buffer.
	ErrHeaderlineTooLarge = ErrResponseFormat.NewSubtype("headerline_too_large")
	// ErrIntegerParsing - malformed integer in a header.
	ErrIntegerParsing = ErrResponseFormat.NewSubtype("integer_parsing")
	// ErrNoFinalRN - bulk string is not terminated with CRLF.
	ErrNoFinalRN = ErrResponseFormat.NewSubtype("no_final_rn")
	// ErrUnknownHeaderType - unknown type marker.
	ErrUnknownHeaderType = ErrResponseFormat.NewSubtype("unknown_header_type")
	// ErrResponseUnexpected - well-formed frame that matches nothing: no
	// command is pending and it is not a pub/sub push.
	ErrResponseUnexpected = ErrResponse.NewType("unexpected")
	// ErrPushUnexpected - pub/sub push frame arrived on a connection with no
	// subscriber surface. Treated as a protocol violation, never matched
	// against a queued command.
	ErrPushUnexpected = ErrResponse.NewType("push_unexpected")
)

// ErrResult - ordinary error answer from the server. It completes exactly the
// command at the head of the queue and says nothing about the connection.
var ErrResult = Errors.NewType("result")

var (
	// EKLine - malformed header line.
	EKLine = errorx.RegisterPrintableProperty("line")
	// EKResponse - decoded response value that was not expected.
	EKResponse = errorx.RegisterPrintableProperty("response")
	// EKCommand - verb of the request the error is about.
	EKCommand = errorx.RegisterPrintableProperty("command")
)

// AsError casts a result slot to error if it holds one.
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// AsErrorx casts a result slot to *errorx.Error. Any error stored in a result
// has to be an errorx error; other error types indicate a bug.
func AsErrorx(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	if e == nil {
		if _, ok := v.(error); ok {
			panic(fmt.Errorf("result should be either *errorx.Error or not error at all, but got %#v", v))
		}
	}
	return e
}

// HardError reports whether e breaks the connection. A server error answer
// (ErrResult) is local to one command; everything else is fatal for the
// stream it happened on.
func HardError(e *errorx.Error) bool {
	return e != nil && !e.IsOfType(ErrResult)
}
