// Package wire implements the two framing layers the sync protocol lays
// over a duplex, message-boundary-preserving binary channel:
// length-prefixed packets for list payloads, and a small file sub-protocol
// for streaming one blob's bytes under its filename.
//
// Both layers are expressed purely in terms of the Channel interface below
// so internal/wsvcsync never depends on a concrete transport; cmd/wsvc
// supplies the real one over gorilla/websocket.
package wire

import "github.com/ret2shell/wsvc/internal/wsvcerr"

// MaxMessage is the largest single channel message either framing layer
// will ever send; larger payloads are chunked.
const MaxMessage = 16384

// Channel is a duplex, message-boundary-preserving binary connection: each
// Send is received whole by the peer's next Recv, in order. Implementations
// over a real transport (e.g. gorilla/websocket's binary messages) already
// preserve boundaries; this package never assumes a byte stream.
type Channel interface {
	Send(msg []byte) error
	Recv() ([]byte, error)
}

func ioErr(op string, err error) error {
	return wsvcerr.Wrap(wsvcerr.IO, "wire: "+op, err)
}

func protoErr(format string, args ...any) error {
	return wsvcerr.Newf(wsvcerr.Protocol, "wire: "+format, args...)
}
