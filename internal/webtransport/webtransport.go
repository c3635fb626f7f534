// Package webtransport re-exports the server, session, stream and error-code
// types of github.com/quic-go/webtransport-go as type aliases. The upgrade
// handshake, session management and stream multiplexing are done by that
// library; this package adds no behaviour of its own.
package webtransport

import (
	wt "github.com/quic-go/webtransport-go"
)

// Server upgrades incoming HTTP/3 requests into WebTransport sessions.
type Server = wt.Server

// Session is one established WebTransport session, over which bidirectional
// and unidirectional streams and datagrams are exchanged.
type Session = wt.Session

// Stream is a bidirectional WebTransport stream.
type Stream = wt.Stream

// SendStream is the write half of a unidirectional WebTransport stream.
type SendStream = wt.SendStream

// ReceiveStream is the read half of a unidirectional WebTransport stream.
type ReceiveStream = wt.ReceiveStream

// SessionErrorCode is the application error code carried on session close.
type SessionErrorCode = wt.SessionErrorCode

// StreamErrorCode is the application error code carried on stream reset.
type StreamErrorCode = wt.StreamErrorCode
