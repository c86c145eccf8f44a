package shim

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/msp"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/pkg/errors"
)

// Stages of signed proposal decoding, in the order they run.
const (
	StageProposal        = "proposal"
	StageHeaderBytes     = "header bytes"
	StagePayloadBytes    = "payload bytes"
	StageHeader          = "header"
	StageSignatureHeader = "signature header"
	StageCreatorIdentity = "creator identity"
	StageChannelHeader   = "channel header"
	StageProposalPayload = "chaincode proposal payload"
)

// ProposalDecodeError reports the first stage of signed proposal decoding
// that failed.
type ProposalDecodeError struct {
	Stage string
	Err   error
}

func (e *ProposalDecodeError) Error() string {
	return fmt.Sprintf("failed decoding %s of signed proposal: %s", e.Stage, e.Err)
}

func (e *ProposalDecodeError) Cause() error {
	return e.Err
}

func decodeFailure(stage string, err error) error {
	return &ProposalDecodeError{Stage: stage, Err: err}
}

// proposalContext holds what the stub extracts from a signed proposal. It is
// immutable once built.
type proposalContext struct {
	creator   []byte
	mspID     string
	idBytes   []byte
	transient map[string][]byte
	timestamp *timestamp.Timestamp
	nonce     []byte
	binding   []byte
}

func decodeSignedProposal(signedProposal *pb.SignedProposal) (*proposalContext, error) {
	proposal := &pb.Proposal{}
	if err := proto.Unmarshal(signedProposal.ProposalBytes, proposal); err != nil {
		return nil, decodeFailure(StageProposal, err)
	}
	if len(proposal.Header) == 0 {
		return nil, decodeFailure(StageHeaderBytes, errors.New("proposal header is empty"))
	}
	if len(proposal.Payload) == 0 {
		return nil, decodeFailure(StagePayloadBytes, errors.New("proposal payload is empty"))
	}

	hdr := &common.Header{}
	if err := proto.Unmarshal(proposal.Header, hdr); err != nil {
		return nil, decodeFailure(StageHeader, err)
	}

	shdr := &common.SignatureHeader{}
	if err := proto.Unmarshal(hdr.SignatureHeader, shdr); err != nil {
		return nil, decodeFailure(StageSignatureHeader, err)
	}

	id := &msp.SerializedIdentity{}
	if err := proto.Unmarshal(shdr.Creator, id); err != nil {
		return nil, decodeFailure(StageCreatorIdentity, err)
	}

	chdr := &common.ChannelHeader{}
	if err := proto.Unmarshal(hdr.ChannelHeader, chdr); err != nil {
		return nil, decodeFailure(StageChannelHeader, err)
	}

	ccPayload := &pb.ChaincodeProposalPayload{}
	if err := proto.Unmarshal(proposal.Payload, ccPayload); err != nil {
		return nil, decodeFailure(StageProposalPayload, err)
	}

	return &proposalContext{
		creator:   shdr.Creator,
		mspID:     id.Mspid,
		idBytes:   id.IdBytes,
		transient: ccPayload.TransientMap,
		timestamp: chdr.Timestamp,
		nonce:     shdr.Nonce,
		binding:   ComputeBinding(shdr.Nonce, shdr.Creator, chdr.Epoch),
	}, nil
}

// ComputeBinding hashes nonce, creator and the little endian epoch into the
// value that ties later artifacts to one proposal.
func ComputeBinding(nonce, creator []byte, epoch uint64) []byte {
	epochBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(epochBytes, epoch)

	h := sha256.New()
	h.Write(nonce)
	h.Write(creator)
	h.Write(epochBytes)
	return h.Sum(nil)
}
