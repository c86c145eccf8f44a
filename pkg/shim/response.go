package shim

import (
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
)

const (
	// OK is the canonical success status.
	OK = 200

	// ERRORTHRESHOLD is the first status treated as an error by the endorser.
	ERRORTHRESHOLD = 400

	// ERROR is the canonical failure status.
	ERROR = 500
)

// Success builds a successful response carrying payload.
func Success(payload []byte) pb.Response {
	return pb.Response{
		Status:  OK,
		Payload: payload,
	}
}

// Error builds a failed response carrying msg.
func Error(msg string) pb.Response {
	return pb.Response{
		Status:  ERROR,
		Message: msg,
	}
}
