package mockpeer

import (
	"io"
	"sync"

	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

const streamCapacity = 1024

// Stream is one end of an in-memory chaincode stream. It satisfies the
// Send/Recv/CloseSend contract of a gRPC client stream.
type Stream struct {
	in    chan *pb.ChaincodeMessage
	out   chan *pb.ChaincodeMessage
	other *Stream

	sendLock   sync.Mutex
	sendClosed bool

	failLock sync.Mutex
	recvErr  error
}

// NewStreamPair returns two connected ends. Frames sent on one are received
// on the other.
func NewStreamPair() (chaincodeSide *Stream, peerSide *Stream) {
	toPeer := make(chan *pb.ChaincodeMessage, streamCapacity)
	toChaincode := make(chan *pb.ChaincodeMessage, streamCapacity)
	chaincodeSide = &Stream{in: toChaincode, out: toPeer}
	peerSide = &Stream{in: toPeer, out: toChaincode}
	chaincodeSide.other, peerSide.other = peerSide, chaincodeSide
	return chaincodeSide, peerSide
}

func (s *Stream) Send(msg *pb.ChaincodeMessage) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	if s.sendClosed {
		return errors.Errorf("send %s on closed stream", msg.Type)
	}
	s.out <- msg
	return nil
}

// Recv blocks for the next frame. It returns io.EOF once the other end has
// closed its sending side, or the error set with Fail.
func (s *Stream) Recv() (*pb.ChaincodeMessage, error) {
	msg, ok := <-s.in
	if !ok {
		s.failLock.Lock()
		defer s.failLock.Unlock()
		if s.recvErr != nil {
			return nil, s.recvErr
		}
		return nil, io.EOF
	}
	return msg, nil
}

func (s *Stream) CloseSend() error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()

	if !s.sendClosed {
		s.sendClosed = true
		close(s.out)
	}
	return nil
}

// Fail closes the sending side and makes the other end's Recv return err
// instead of io.EOF.
func (s *Stream) Fail(err error) {
	s.other.failLock.Lock()
	s.other.recvErr = err
	s.other.failLock.Unlock()
	s.CloseSend()
}
