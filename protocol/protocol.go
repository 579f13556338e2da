// Package protocol defines the msgpack-rpc message layout shared by the client
// and the server, and the vocabulary of failures both sides report.
//
// Every message on the wire is one msgpack array of exactly four elements:
//
//	Request:  [0, msgid, method, params]
//	Response: [1, msgid, error, result]
//
// msgpack values are self-delimiting, so there is no extra length header:
// the receiver feeds raw bytes to a streaming decoder and takes one complete
// array at a time.
package protocol

import "math"

// MsgType is the first element of every frame.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → Server
	MsgTypeResponse MsgType = 1 // Server → Client
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	}
	return "unknown"
}

const (
	// FrameLen is the arity of both request and response frames.
	FrameLen = 4

	// MaxMsgID is the largest message id; ids are unsigned 32-bit integers.
	MaxMsgID = math.MaxUint32

	// SocketRecvSize is the chunk size used for each socket read.
	SocketRecvSize = 64 * 1024
)

// PrivatePrefix marks method names that are never dispatched.
const PrivatePrefix = "_"
