package mockpeer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/fabric-protos-go/common"
	"github.com/GwanWingYan/fabric-protos-go/msp"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Identity is a client identity able to sign proposals.
type Identity struct {
	MSPID string
	Cert  []byte // PEM encoded
	key   *ecdsa.PrivateKey
}

// NewIdentity generates a key and a self signed certificate for mspID.
func NewIdentity(mspID string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "error generating key")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "client", Organization: []string{mspID}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "error creating certificate")
	}

	return &Identity{
		MSPID: mspID,
		Cert:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:   key,
	}, nil
}

// Serialize returns the creator bytes carried in signature headers.
func (id *Identity) Serialize() ([]byte, error) {
	creator, err := proto.Marshal(&msp.SerializedIdentity{Mspid: id.MSPID, IdBytes: id.Cert})
	return creator, errors.Wrap(err, "error serializing identity")
}

func (id *Identity) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, id.key, digest[:])
	return sig, errors.Wrap(err, "error signing")
}

// Element carries one transaction proposal through creation and signing.
type Element struct {
	Proposal   *pb.Proposal
	SignedProp *pb.SignedProposal
	Txid       string
	Nonce      []byte
	Creator    []byte
}

// CreateProposal builds an unsigned endorser proposal invoking chaincode on
// channel. The txid is derived from a fresh nonce and the creator.
func CreateProposal(id *Identity, channel, chaincode string, args [][]byte, transient map[string][]byte) (*Element, error) {
	creator, err := id.Serialize()
	if err != nil {
		return nil, err
	}

	nonce, err := protoutil.CreateNonce()
	if err != nil {
		return nil, errors.Wrap(err, "error creating nonce")
	}
	txid := protoutil.ComputeTxID(nonce, creator)

	spec := &pb.ChaincodeInvocationSpec{
		ChaincodeSpec: &pb.ChaincodeSpec{
			Type:        pb.ChaincodeSpec_GOLANG,
			ChaincodeId: &pb.ChaincodeID{Name: chaincode},
			Input:       &pb.ChaincodeInput{Args: args},
		},
	}

	prop, txid, err := protoutil.CreateChaincodeProposalWithTxIDNonceAndTransient(
		txid, common.HeaderType_ENDORSER_TRANSACTION, channel, spec, nonce, creator, transient)
	if err != nil {
		return nil, errors.Wrap(err, "error creating proposal")
	}

	return &Element{Proposal: prop, Txid: txid, Nonce: nonce, Creator: creator}, nil
}

// SignElement signs the proposal of e with id.
func SignElement(id *Identity, e *Element) error {
	propBytes, err := proto.Marshal(e.Proposal)
	if err != nil {
		return errors.Wrap(err, "error marshalling proposal")
	}
	sig, err := id.Sign(propBytes)
	if err != nil {
		return err
	}
	e.SignedProp = &pb.SignedProposal{ProposalBytes: propBytes, Signature: sig}
	return nil
}

// NewSignedProposal creates and signs a proposal in one step.
func NewSignedProposal(id *Identity, channel, chaincode string, args [][]byte, transient map[string][]byte) (*Element, error) {
	e, err := CreateProposal(id, channel, chaincode, args, transient)
	if err != nil {
		return nil, err
	}
	if err := SignElement(id, e); err != nil {
		return nil, err
	}
	return e, nil
}
