package shim

import (
	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/ccshim/pkg/mockpeer"
	"github.com/GwanWingYan/fabric-protos-go/common"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Signed proposal decoding", func() {
	var (
		identity *mockpeer.Identity
		element  *mockpeer.Element
	)

	BeforeEach(func() {
		var err error
		identity, err = mockpeer.NewIdentity("Org1MSP")
		Expect(err).NotTo(HaveOccurred())
		element, err = mockpeer.NewSignedProposal(identity, "mychannel", "mycc",
			[][]byte{[]byte("invoke")}, map[string][]byte{"secret": []byte("s3cr3t")})
		Expect(err).NotTo(HaveOccurred())
	})

	decodeStage := func(signed *pb.SignedProposal) string {
		_, err := decodeSignedProposal(signed)
		Expect(err).To(HaveOccurred())
		decodeErr, ok := err.(*ProposalDecodeError)
		Expect(ok).To(BeTrue())
		Expect(errors.Cause(err)).To(Equal(decodeErr.Err))
		return decodeErr.Stage
	}

	signedWith := func(prop *pb.Proposal) *pb.SignedProposal {
		propBytes, err := proto.Marshal(prop)
		Expect(err).NotTo(HaveOccurred())
		return &pb.SignedProposal{ProposalBytes: propBytes}
	}

	header := func() *common.Header {
		hdr := &common.Header{}
		Expect(proto.Unmarshal(element.Proposal.Header, hdr)).To(Succeed())
		return hdr
	}

	headerBytes := func(hdr *common.Header) []byte {
		b, err := proto.Marshal(hdr)
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	Context("good", func() {
		It("extracts the creator, transient map and timestamp", func() {
			ctx, err := decodeSignedProposal(element.SignedProp)
			Expect(err).NotTo(HaveOccurred())

			Expect(ctx.creator).To(Equal(element.Creator))
			Expect(ctx.mspID).To(Equal("Org1MSP"))
			Expect(ctx.idBytes).To(Equal(identity.Cert))
			Expect(ctx.transient).To(HaveKeyWithValue("secret", []byte("s3cr3t")))
			Expect(ctx.timestamp).NotTo(BeNil())
			Expect(ctx.nonce).To(Equal(element.Nonce))
		})

		It("computes the same binding as the peer", func() {
			ctx, err := decodeSignedProposal(element.SignedProp)
			Expect(err).NotTo(HaveOccurred())

			expected, err := protoutil.ComputeProposalBinding(element.Proposal)
			Expect(err).NotTo(HaveOccurred())
			Expect(ctx.binding).To(Equal(expected))
		})

		It("computes deterministic bindings", func() {
			nonce, creator := []byte("nonce"), []byte("creator")
			Expect(ComputeBinding(nonce, creator, 7)).To(Equal(ComputeBinding(nonce, creator, 7)))
			Expect(ComputeBinding(nonce, creator, 7)).To(HaveLen(32))
			Expect(ComputeBinding(nonce, creator, 7)).NotTo(Equal(ComputeBinding(nonce, creator, 8)))
			Expect(ComputeBinding(nonce, creator, 0)).NotTo(Equal(ComputeBinding(creator, nonce, 0)))
		})
	})

	Context("bad", func() {
		It("fails on proposal bytes", func() {
			Expect(decodeStage(&pb.SignedProposal{ProposalBytes: []byte("garbage")})).To(Equal(StageProposal))
		})

		It("fails on empty header bytes", func() {
			Expect(decodeStage(signedWith(&pb.Proposal{Payload: element.Proposal.Payload}))).To(Equal(StageHeaderBytes))
		})

		It("fails on empty payload bytes", func() {
			Expect(decodeStage(signedWith(&pb.Proposal{Header: element.Proposal.Header}))).To(Equal(StagePayloadBytes))
		})

		It("fails on header", func() {
			prop := &pb.Proposal{Header: []byte("garbage"), Payload: element.Proposal.Payload}
			Expect(decodeStage(signedWith(prop))).To(Equal(StageHeader))
		})

		It("fails on signature header", func() {
			hdr := header()
			hdr.SignatureHeader = []byte("garbage")
			prop := &pb.Proposal{Header: headerBytes(hdr), Payload: element.Proposal.Payload}
			Expect(decodeStage(signedWith(prop))).To(Equal(StageSignatureHeader))
		})

		It("fails on creator identity", func() {
			hdr := header()
			shdr := &common.SignatureHeader{}
			Expect(proto.Unmarshal(hdr.SignatureHeader, shdr)).To(Succeed())
			shdr.Creator = []byte("garbage")
			var err error
			hdr.SignatureHeader, err = proto.Marshal(shdr)
			Expect(err).NotTo(HaveOccurred())
			prop := &pb.Proposal{Header: headerBytes(hdr), Payload: element.Proposal.Payload}
			Expect(decodeStage(signedWith(prop))).To(Equal(StageCreatorIdentity))
		})

		It("fails on channel header", func() {
			hdr := header()
			hdr.ChannelHeader = []byte("garbage")
			prop := &pb.Proposal{Header: headerBytes(hdr), Payload: element.Proposal.Payload}
			Expect(decodeStage(signedWith(prop))).To(Equal(StageChannelHeader))
		})

		It("fails on chaincode proposal payload", func() {
			prop := &pb.Proposal{Header: element.Proposal.Header, Payload: []byte("garbage")}
			Expect(decodeStage(signedWith(prop))).To(Equal(StageProposalPayload))
		})

		It("names the stage in the error", func() {
			_, err := decodeSignedProposal(&pb.SignedProposal{ProposalBytes: []byte("garbage")})
			Expect(err).To(MatchError(ContainSubstring("failed decoding proposal of signed proposal")))
		})
	})
})
