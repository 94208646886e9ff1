package redis

import (
	"github.com/joomcode/errorx"
)

// Errors is the root namespace for all errors produced by this client.
var Errors = errorx.NewNamespace("sider")

var (
	// TraitConnectivity marks errors that mean the link to the server could
	// not be used: dial failures, handshake rejections, broken sockets.
	TraitConnectivity = errorx.RegisterTrait("connectivity")
	// TraitFatal marks errors after which a connection is poisoned: its
	// framing state is no longer trustworthy and it must be closed.
	TraitFatal = errorx.RegisterTrait("fatal")
)

var (
	// ErrConnect - transport setup failed: dial, AUTH, SELECT or another
	// handshake step was rejected. The caller may retry with backoff.
	ErrConnect = Errors.NewType("connect", TraitConnectivity)
	// ErrTransport - an established connection was lost mid-operation.
	// The connection is poisoned; the caller reconnects.
	ErrTransport = Errors.NewType("transport", TraitConnectivity, TraitFatal)
	// ErrProtocol - the decoder rejected the byte stream, or transactional
	// framing was violated. The connection is poisoned; this usually means a
	// bug or a server version mismatch.
	ErrProtocol = Errors.NewType("protocol", TraitFatal)
	// ErrResult - a regular server error reply ("-ERR ...", "-WRONGTYPE ...").
	// Not produced spontaneously: replies are data, this type only appears
	// when the caller escalates one via Reply.AsError or FirstError.
	ErrResult = Errors.NewType("result")
	// ErrTxAborted - EXEC returned a null array (a watched key changed).
	// The caller may retry the whole transaction.
	ErrTxAborted = Errors.NewType("tx_aborted")
	// ErrPoolClosed - Acquire on a drained pool. Terminal.
	ErrPoolClosed = Errors.NewType("pool_closed")
	// ErrUsage - programmer bug: appending to an executed pipeline, opening a
	// second pipeline on a busy connection, unsupported argument type, etc.
	ErrUsage = Errors.NewType("usage")
)

var (
	// EKAddress - address of the server the failing connection talks to.
	EKAddress = errorx.RegisterPrintableProperty("address")
	// EKDb - database number selected during connect.
	EKDb = errorx.RegisterPrintableProperty("db")
	// EKCommand - name of the command the error relates to.
	EKCommand = errorx.RegisterPrintableProperty("command")
	// EKErrorKind - leading status word of a server error reply
	// ("ERR", "WRONGTYPE", "MOVED", ...).
	EKErrorKind = errorx.RegisterPrintableProperty("kind")
)

// AsErrorx casts err to *errorx.Error, or nil if it is not one.
func AsErrorx(err error) *errorx.Error {
	if err == nil {
		return nil
	}
	return errorx.Cast(err)
}

// Fatal reports whether err poisons the connection it happened on.
func Fatal(err error) bool {
	e := AsErrorx(err)
	return e != nil && e.HasTrait(TraitFatal)
}
