package shim

import (
	"time"

	"github.com/GwanWingYan/HLF-2.2/protoutil"
	"github.com/GwanWingYan/ccshim/pkg/mockpeer"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
)

func recvFrame(s *mockpeer.Stream) *pb.ChaincodeMessage {
	ch := make(chan *pb.ChaincodeMessage, 1)
	go func() {
		if msg, err := s.Recv(); err == nil {
			ch <- msg
		}
	}()
	var msg *pb.ChaincodeMessage
	Eventually(ch, 5*time.Second).Should(Receive(&msg))
	return msg
}

func decodeResult(msg *pb.ChaincodeMessage) *pb.Response {
	Expect(msg.Type).To(Equal(pb.ChaincodeMessage_COMPLETED), "unexpected %s: %s", msg.Type, msg.Payload)
	res := &pb.Response{}
	Expect(proto.Unmarshal(msg.Payload, res)).To(Succeed())
	return res
}

var _ = Describe("Handler", func() {
	Describe("connection state machine", func() {
		var (
			peerSide *mockpeer.Stream
			handler  *Handler
			chatErr  chan error
		)

		BeforeEach(func() {
			var ccSide *mockpeer.Stream
			ccSide, peerSide = mockpeer.NewStreamPair()
			handler = NewHandler(ccSide, &chaincodeFunc{}, WithLogger(quietLogger()))
			chatErr = make(chan error, 1)
			go func() { chatErr <- handler.Chat("mycc") }()

			register := recvFrame(peerSide)
			Expect(register.Type).To(Equal(pb.ChaincodeMessage_REGISTER))
			id := &pb.ChaincodeID{}
			Expect(proto.Unmarshal(register.Payload, id)).To(Succeed())
			Expect(id.Name).To(Equal("mycc"))
		})

		AfterEach(func() {
			peerSide.CloseSend()
			Eventually(chatErr).Should(Receive())
		})

		It("starts in created", func() {
			Expect(handler.State()).To(Equal(created))
		})

		It("rejects a transaction before the handshake", func() {
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_TRANSACTION, Txid: "tx1", ChannelId: "ch", Payload: []byte("abc")})

			msg := recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(msg.Txid).To(Equal("tx1"))
			Expect(string(msg.Payload)).To(Equal("[tx1] Chaincode handler cannot handle message (TRANSACTION) with payload size (3) while in state: created"))
			Expect(handler.State()).To(Equal(created))
		})

		It("rejects READY before REGISTERED", func() {
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_READY})

			msg := recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(handler.State()).To(Equal(created))
		})

		It("walks created, established, ready", func() {
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTERED})
			Eventually(handler.State).Should(Equal(established))
			Expect(handler.Ready()).To(BeFalse())

			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTERED})
			msg := recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(ContainSubstring("while in state: established"))
			Expect(handler.State()).To(Equal(established))

			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_READY})
			Eventually(handler.State).Should(Equal(ready))
			Expect(handler.Ready()).To(BeTrue())

			// ignored once ready
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_READY})
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_KEEPALIVE, Payload: []byte("ping")})
			msg = recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_KEEPALIVE))
			Expect(handler.State()).To(Equal(ready))
		})

		It("echoes keepalives in any state", func() {
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_KEEPALIVE, Payload: []byte("ping")})

			msg := recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_KEEPALIVE))
			Expect(msg.Payload).To(Equal([]byte("ping")))
			Expect(handler.State()).To(Equal(created))
		})
	})

	Describe("unknown frames while ready", func() {
		handshake := func(peerSide *mockpeer.Stream) {
			Expect(recvFrame(peerSide).Type).To(Equal(pb.ChaincodeMessage_REGISTER))
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTERED})
			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_READY})
		}

		It("are rejected with an ERROR frame under the reject policy", func() {
			ccSide, peerSide := mockpeer.NewStreamPair()
			handler := NewHandler(ccSide, &chaincodeFunc{}, WithLogger(quietLogger()), WithUnknownMessagePolicy(PolicyReject))
			chatErr := make(chan error, 1)
			go func() { chatErr <- handler.Chat("mycc") }()
			handshake(peerSide)
			Eventually(handler.State).Should(Equal(ready))

			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_GET_STATE, Txid: "tx1"})
			msg := recvFrame(peerSide)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(ContainSubstring("cannot handle message (GET_STATE)"))
			Expect(handler.State()).To(Equal(ready))
			Expect(chatErr).NotTo(Receive())

			peerSide.CloseSend()
			Eventually(chatErr).Should(Receive())
		})

		It("are fatal by default", func() {
			logger := quietLogger()
			exitCode := make(chan int, 1)
			logger.ExitFunc = func(code int) { exitCode <- code }

			ccSide, peerSide := mockpeer.NewStreamPair()
			handler := NewHandler(ccSide, &chaincodeFunc{}, WithLogger(logger))
			chatErr := make(chan error, 1)
			go func() { chatErr <- handler.Chat("mycc") }()
			handshake(peerSide)
			Eventually(handler.State).Should(Equal(ready))

			peerSide.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_Type(999), Txid: "tx1"})
			Eventually(exitCode).Should(Receive(Equal(1)))

			var err error
			Eventually(chatErr).Should(Receive(&err))
			Expect(err).To(MatchError(ContainSubstring("cannot handle message (999)")))
		})
	})

	Describe("transactions", func() {
		var h *harness

		AfterEach(func() {
			if h != nil {
				h.stop()
				h = nil
			}
		})

		It("completes an invoke with its payload and event", func() {
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				fn, params := stub.GetFunctionAndParameters()
				Expect(stub.SetEvent("first", nil)).To(Succeed())
				Expect(stub.SetEvent("Called", []byte(fn))).To(Succeed())
				return Success([]byte(fn + ":" + params[0]))
			}}, nil)

			msg, err := h.peer.Invoke("ch", "tx1", nil, "hello", "world")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Txid).To(Equal("tx1"))
			Expect(msg.ChannelId).To(Equal("ch"))
			res := decodeResult(msg)
			Expect(res.Status).To(Equal(int32(OK)))
			Expect(res.Payload).To(Equal([]byte("hello:world")))
			Expect(msg.ChaincodeEvent.EventName).To(Equal("Called"))
			Expect(msg.ChaincodeEvent.Payload).To(Equal([]byte("hello")))
		})

		It("runs Init for INIT frames without a proposal", func() {
			h = startHarness(&chaincodeFunc{init: func(stub ChaincodeStubInterface) pb.Response {
				creator, err := stub.GetCreator()
				if err != nil || creator != nil {
					return Error("unexpected creator")
				}
				return Success([]byte("initialized"))
			}}, nil)

			msg, err := h.peer.Init("ch", "tx1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(decodeResult(msg).Payload).To(Equal([]byte("initialized")))
		})

		It("reports an error status as an ERROR frame", func() {
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				stub.SetEvent("Failed", nil)
				return Error("asset not found")
			}}, nil)

			msg, err := h.peer.Invoke("ch", "tx1", nil, "read")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(Equal("asset not found"))
			Expect(msg.ChaincodeEvent.EventName).To(Equal("Failed"))
		})

		It("treats a response without status as an error", func() {
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				return pb.Response{Payload: []byte("no status")}
			}}, nil)

			msg, err := h.peer.Invoke("ch", "tx1", nil, "read")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(Equal("invoke returned a response without status"))
		})

		It("recovers a panicking chaincode", func() {
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				panic("boom")
			}}, nil)

			msg, err := h.peer.Invoke("ch", "tx1", nil, "read")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(Equal("invoke panicked: boom"))

			msg, err = h.peer.Invoke("ch", "tx2", nil, "read")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
		})

		It("echoes an undecodable input payload in the ERROR frame", func() {
			h = startHarness(&chaincodeFunc{}, nil)

			h.peer.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_TRANSACTION, Txid: "tx1", ChannelId: "ch", Payload: []byte("garbage")})
			Eventually(func() []*pb.ChaincodeMessage {
				return h.peer.ReceivedOfType(pb.ChaincodeMessage_ERROR)
			}).Should(HaveLen(1))
			Expect(h.peer.ReceivedOfType(pb.ChaincodeMessage_ERROR)[0].Payload).To(Equal([]byte("garbage")))
		})

		It("reports the failing proposal stage", func() {
			invoked := false
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				invoked = true
				return Success(nil)
			}}, nil)

			msg, err := h.peer.Invoke("ch", "tx1", &pb.SignedProposal{ProposalBytes: []byte("garbage")}, "read")
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_ERROR))
			Expect(string(msg.Payload)).To(HavePrefix("failed decoding proposal of signed proposal"))
			Expect(invoked).To(BeFalse())
		})

		It("exposes the decoded proposal to the chaincode", func() {
			identity, err := mockpeer.NewIdentity("Org1MSP")
			Expect(err).NotTo(HaveOccurred())
			element, err := mockpeer.NewSignedProposal(identity, "ch", "mycc", [][]byte{[]byte("read")}, map[string][]byte{"price": []byte("10")})
			Expect(err).NotTo(HaveOccurred())
			expectedBinding, err := protoutil.ComputeProposalBinding(element.Proposal)
			Expect(err).NotTo(HaveOccurred())

			seen := make(chan *ChaincodeStub, 1)
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				seen <- stub.(*ChaincodeStub)
				return Success(nil)
			}}, nil)

			_, err = h.peer.Invoke("ch", element.Txid, element.SignedProp, "read")
			Expect(err).NotTo(HaveOccurred())

			var stub *ChaincodeStub
			Expect(seen).To(Receive(&stub))
			mspID, cert := stub.GetCreatorIdentity()
			Expect(mspID).To(Equal("Org1MSP"))
			Expect(cert).To(Equal(identity.Cert))
			Expect(stub.GetTransient()).To(HaveKeyWithValue("price", []byte("10")))
			Expect(stub.GetBinding()).To(Equal(expectedBinding))
			Expect(stub.GetSignedProposal()).To(Equal(element.SignedProp))
			ts, err := stub.GetTxTimestamp()
			Expect(err).NotTo(HaveOccurred())
			Expect(ts).NotTo(BeNil())
		})

		It("keeps dispatching while a transaction waits on the peer", func() {
			held := make(chan *pb.ChaincodeMessage, 1)
			h = startHarness(&chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				_, params := stub.GetFunctionAndParameters()
				value, err := stub.GetState(params[0])
				if err != nil {
					return Error(err.Error())
				}
				return Success(value)
			}}, nil)
			h.peer.Handle(pb.ChaincodeMessage_GET_STATE, func(msg *pb.ChaincodeMessage) *pb.ChaincodeMessage {
				if msg.Txid == "slow" {
					held <- msg
					return nil
				}
				return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_RESPONSE, Txid: msg.Txid, ChannelId: msg.ChannelId, Payload: []byte("fast value")}
			})

			slowResult := make(chan *pb.ChaincodeMessage, 1)
			go func() {
				defer GinkgoRecover()
				msg, err := h.peer.Invoke("ch", "slow", nil, "get", "k1")
				Expect(err).NotTo(HaveOccurred())
				slowResult <- msg
			}()

			var slowReq *pb.ChaincodeMessage
			Eventually(held).Should(Receive(&slowReq))

			msg, err := h.peer.Invoke("ch", "fast", nil, "get", "k2")
			Expect(err).NotTo(HaveOccurred())
			Expect(decodeResult(msg).Payload).To(Equal([]byte("fast value")))
			Expect(slowResult).NotTo(Receive())

			h.peer.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_RESPONSE, Txid: "slow", ChannelId: "ch", Payload: []byte("slow value")})
			Eventually(slowResult).Should(Receive(&msg))
			Expect(decodeResult(msg).Payload).To(Equal([]byte("slow value")))
		})

		It("reports metrics", func() {
			reg := prom.NewRegistry()
			h = startHarness(&chaincodeFunc{}, nil, WithMetrics(NewMetrics(reg)))

			_, err := h.peer.Invoke("ch", "tx1", nil, "noop")
			Expect(err).NotTo(HaveOccurred())

			families, err := reg.Gather()
			Expect(err).NotTo(HaveOccurred())
			names := map[string]bool{}
			for _, f := range families {
				names[f.GetName()] = true
			}
			Expect(names).To(HaveKey("shim_frames_received_total"))
			Expect(names).To(HaveKey("shim_frames_sent_total"))
			Expect(names).To(HaveKey("shim_transactions_total"))
			Expect(names).To(HaveKey("shim_transaction_duration_seconds"))
		})
	})

	Describe("stream teardown", func() {
		blockingGet := func(result chan error) *chaincodeFunc {
			return &chaincodeFunc{invoke: func(stub ChaincodeStubInterface) pb.Response {
				_, err := stub.GetState("k")
				result <- err
				return Success(nil)
			}}
		}

		hold := func(msg *pb.ChaincodeMessage) *pb.ChaincodeMessage { return nil }

		It("fails pending requests by default", func() {
			result := make(chan error, 1)
			h := startHarness(blockingGet(result), nil)
			h.peer.Handle(pb.ChaincodeMessage_GET_STATE, hold)

			h.peer.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_TRANSACTION, Txid: "tx1", ChannelId: "ch", Payload: marshalOrFail(&pb.ChaincodeInput{})})
			Eventually(func() int { return h.handler.queue.Pending("ch", "tx1") }).Should(Equal(1))

			h.peer.Close()
			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errors.Cause(err)).To(Equal(ErrStreamClosed))
			Eventually(h.chatErr).Should(Receive())
		})

		It("leaves pending requests alone when asked to", func() {
			result := make(chan error, 1)
			h := startHarness(blockingGet(result), nil, WithKeepPendingOnClose(true))
			h.peer.Handle(pb.ChaincodeMessage_GET_STATE, hold)

			h.peer.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_TRANSACTION, Txid: "tx1", ChannelId: "ch", Payload: marshalOrFail(&pb.ChaincodeInput{})})
			Eventually(func() int { return h.handler.queue.Pending("ch", "tx1") }).Should(Equal(1))

			h.peer.Close()
			Eventually(h.chatErr).Should(Receive())
			Consistently(result, 200*time.Millisecond).ShouldNot(Receive())
			Expect(h.handler.queue.Pending("ch", "tx1")).To(Equal(1))
		})
	})
})

var _ = Describe("Unknown message policy", func() {
	It("parses names", func() {
		for in, expected := range map[string]UnknownMessagePolicy{"": PolicyFatal, "fatal": PolicyFatal, "REJECT": PolicyReject} {
			p, err := ParseUnknownMessagePolicy(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(expected))
		}
		_, err := ParseUnknownMessagePolicy("ignore")
		Expect(err).To(MatchError(ContainSubstring(`unknown message policy "ignore"`)))
	})
})
