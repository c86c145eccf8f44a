package shim

import (
	"io"
	"strings"
	"sync"
	"time"

	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Connection states.
const (
	created     = "created"     // REGISTER sent, waiting for REGISTERED
	established = "established" // waiting for READY
	ready       = "ready"       // accepting INIT and TRANSACTION
)

const (
	actionInit   = "init"
	actionInvoke = "invoke"
)

// ErrStreamClosed resolves requests still pending when the stream ends.
var ErrStreamClosed = errors.New("chaincode stream closed")

// PeerChaincodeStream is the duplex stream between the peer and the chaincode.
type PeerChaincodeStream interface {
	Send(*pb.ChaincodeMessage) error
	Recv() (*pb.ChaincodeMessage, error)
	CloseSend() error
}

// UnknownMessagePolicy decides what happens to a frame type the handler does
// not know while ready.
type UnknownMessagePolicy int

const (
	// PolicyFatal logs at fatal level, which exits the process unless the
	// logger's ExitFunc says otherwise.
	PolicyFatal UnknownMessagePolicy = iota
	// PolicyReject answers with an ERROR frame and keeps the connection.
	PolicyReject
)

func (p UnknownMessagePolicy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "fatal"
}

// ParseUnknownMessagePolicy maps "fatal" and "reject" to a policy. The empty
// string means fatal.
func ParseUnknownMessagePolicy(s string) (UnknownMessagePolicy, error) {
	switch strings.ToLower(s) {
	case "", "fatal":
		return PolicyFatal, nil
	case "reject":
		return PolicyReject, nil
	}
	return PolicyFatal, errors.Errorf("unknown message policy %q, expecting fatal or reject", s)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithUnknownMessagePolicy(p UnknownMessagePolicy) HandlerOption {
	return func(h *Handler) { h.unknownPolicy = p }
}

// WithKeepPendingOnClose leaves requests pending when the stream ends instead
// of failing them with ErrStreamClosed.
func WithKeepPendingOnClose(keep bool) HandlerOption {
	return func(h *Handler) { h.keepPending = keep }
}

// Handler is the chaincode side of the peer stream. It runs the connection
// state machine, dispatches inbound frames and executes the chaincode.
type Handler struct {
	// serialLock serialises writes to the stream, gRPC streams are not safe
	// for concurrent Send.
	serialLock sync.Mutex

	stream PeerChaincodeStream
	cc     Chaincode
	fsm    *fsm.FSM
	queue  *MsgQueueHandler

	logger        *log.Logger
	metrics       *Metrics
	unknownPolicy UnknownMessagePolicy
	keepPending   bool
}

// NewHandler returns a handler in the created state.
func NewHandler(stream PeerChaincodeStream, cc Chaincode, opts ...HandlerOption) *Handler {
	h := &Handler{
		stream:  stream,
		cc:      cc,
		logger:  log.StandardLogger(),
		metrics: disabledMetrics(),
	}
	for _, o := range opts {
		o(h)
	}

	h.fsm = fsm.NewFSM(
		created,
		fsm.Events{
			{Name: pb.ChaincodeMessage_REGISTERED.String(), Src: []string{created}, Dst: established},
			{Name: pb.ChaincodeMessage_READY.String(), Src: []string{established}, Dst: ready},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				h.logger.Debugf("Received %s, entering state %s (was %s)", e.Event, e.Dst, e.Src)
			},
		},
	)
	h.queue = NewMsgQueueHandler(h.serialSend, h.logger, h.metrics.PendingRequests)

	return h
}

// State returns the current connection state.
func (h *Handler) State() string {
	return h.fsm.Current()
}

// Ready reports whether the handshake has completed.
func (h *Handler) Ready() bool {
	return h.fsm.Is(ready)
}

func shorttxid(txid string) string {
	if len(txid) < 8 {
		return txid
	}
	return txid[0:8]
}

func (h *Handler) serialSend(msg *pb.ChaincodeMessage) error {
	h.serialLock.Lock()
	defer h.serialLock.Unlock()

	if err := h.stream.Send(msg); err != nil {
		return errors.WithMessagef(err, "[%s] error sending %s", shorttxid(msg.Txid), msg.Type)
	}
	h.metrics.FramesSent.With("type", msg.Type.String()).Add(1)
	return nil
}

// Chat registers name with the peer and processes frames until the stream
// ends. The returned error tells why it ended.
func (h *Handler) Chat(name string) error {
	defer h.stream.CloseSend()

	payload, err := proto.Marshal(&pb.ChaincodeID{Name: name})
	if err != nil {
		return errors.Wrap(err, "error marshalling chaincodeID during chaincode registration")
	}

	h.logger.Debugf("Registering.. sending %s", pb.ChaincodeMessage_REGISTER)
	if err = h.serialSend(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTER, Payload: payload}); err != nil {
		return errors.WithMessage(err, "error sending chaincode REGISTER")
	}

	err = h.receive()
	if !h.keepPending {
		h.queue.FailAll(errors.WithMessage(ErrStreamClosed, err.Error()))
	}
	return err
}

func (h *Handler) receive() error {
	for {
		msg, err := h.stream.Recv()
		switch {
		case err == io.EOF:
			err = errors.Wrap(err, "received EOF, ending chaincode stream")
			h.logger.Debugf("%+v", err)
			return err
		case err != nil:
			err = errors.Wrap(err, "receive failed")
			h.logger.Errorf("Received error from server, ending chaincode stream: %+v", err)
			return err
		case msg == nil:
			err = errors.New("received nil message, ending chaincode stream")
			h.logger.Debugf("%+v", err)
			return err
		}

		h.logger.Debugf("[%s] Received message %s from peer", shorttxid(msg.Txid), msg.Type)
		h.metrics.FramesReceived.With("type", msg.Type.String()).Add(1)
		if err := h.handleMessage(msg); err != nil {
			return errors.WithMessage(err, "error handling message")
		}
	}
}

// handleMessage dispatches one inbound frame. Only a frame that ends the
// connection yields an error.
func (h *Handler) handleMessage(msg *pb.ChaincodeMessage) error {
	if msg.Type == pb.ChaincodeMessage_KEEPALIVE {
		h.logger.Debug("Sending KEEPALIVE response")
		// ignore errors, the next keepalive may get through
		h.serialSend(msg)
		return nil
	}

	h.logger.Debugf("[%s] Handling ChaincodeMessage of type: %s(state:%s)", shorttxid(msg.Txid), msg.Type, h.State())

	if h.State() == ready {
		return h.handleReady(msg)
	}

	if err := h.fsm.Event(msg.Type.String()); err != nil {
		h.rejectMessage(msg, errors.Errorf("[%s] Chaincode handler cannot handle message (%s) with payload size (%d) while in state: %s",
			msg.Txid, msg.Type, len(msg.Payload), h.State()))
	}
	return nil
}

func (h *Handler) handleReady(msg *pb.ChaincodeMessage) error {
	switch msg.Type {
	case pb.ChaincodeMessage_REGISTERED, pb.ChaincodeMessage_READY:
		h.logger.Debugf("[%s] Ignoring %s, already %s", shorttxid(msg.Txid), msg.Type, ready)

	case pb.ChaincodeMessage_RESPONSE, pb.ChaincodeMessage_ERROR:
		h.queue.HandleMsgResponse(msg)

	case pb.ChaincodeMessage_INIT:
		h.logger.Debugf("[%s] Received %s, initializing chaincode", shorttxid(msg.Txid), msg.Type)
		go h.handleTransaction(msg, actionInit)

	case pb.ChaincodeMessage_TRANSACTION:
		h.logger.Debugf("[%s] Received %s, invoking transaction on chaincode(state:%s)", shorttxid(msg.Txid), msg.Type, h.State())
		go h.handleTransaction(msg, actionInvoke)

	default:
		err := errors.Errorf("[%s] Chaincode handler cannot handle message (%s) with payload size (%d) while in state: %s",
			msg.Txid, msg.Type, len(msg.Payload), h.State())
		if h.unknownPolicy == PolicyReject {
			h.rejectMessage(msg, err)
			return nil
		}
		h.logger.Fatalf("%s", err)
		return err
	}
	return nil
}

func (h *Handler) rejectMessage(msg *pb.ChaincodeMessage, err error) {
	h.logger.Errorf("%s", err)
	errorMsg := &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_ERROR, Payload: []byte(err.Error()), Txid: msg.Txid, ChannelId: msg.ChannelId}
	if sendErr := h.serialSend(errorMsg); sendErr != nil {
		h.logger.Errorf("%s", sendErr)
	}
}

// handleTransaction runs Init or Invoke for one INIT/TRANSACTION frame and
// writes the COMPLETED or ERROR frame that ends the transaction.
func (h *Handler) handleTransaction(msg *pb.ChaincodeMessage, action string) {
	start := time.Now()

	nextStateMsg := h.execute(msg, action)

	result := "success"
	if nextStateMsg.Type == pb.ChaincodeMessage_ERROR {
		result = "error"
	}
	h.metrics.Transactions.With("action", action, "result", result).Add(1)
	h.metrics.TransactionDuration.With("action", action).Observe(time.Since(start).Seconds())

	if err := h.serialSend(nextStateMsg); err != nil {
		h.logger.Errorf("[%s] Failed to send %s: %s", shorttxid(msg.Txid), nextStateMsg.Type, err)
	}
}

func (h *Handler) execute(msg *pb.ChaincodeMessage, action string) *pb.ChaincodeMessage {
	errorMsg := func(payload []byte, ce *pb.ChaincodeEvent) *pb.ChaincodeMessage {
		return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_ERROR, Payload: payload, Txid: msg.Txid, ChaincodeEvent: ce, ChannelId: msg.ChannelId}
	}

	input := &pb.ChaincodeInput{}
	if err := proto.Unmarshal(msg.Payload, input); err != nil {
		h.logger.Errorf("[%s] Incorrect payload format: %s. Sending %s", shorttxid(msg.Txid), err, pb.ChaincodeMessage_ERROR)
		return errorMsg(msg.Payload, nil)
	}

	stub, err := newChaincodeStub(h, msg.ChannelId, msg.Txid, input, msg.Proposal)
	if err != nil {
		h.logger.Errorf("[%s] Failed to create stub: %s. Sending %s", shorttxid(msg.Txid), err, pb.ChaincodeMessage_ERROR)
		return errorMsg([]byte(err.Error()), nil)
	}

	res, err := h.callChaincode(stub, action)
	if err == nil && res.Status == 0 {
		err = errors.Errorf("%s returned a response without status", action)
	}
	if err != nil {
		h.logger.Errorf("[%s] %s failed: %s. Sending %s", shorttxid(msg.Txid), action, err, pb.ChaincodeMessage_ERROR)
		return errorMsg([]byte(err.Error()), stub.event())
	}

	if res.Status >= ERRORTHRESHOLD {
		h.logger.Errorf("[%s] %s get error response status %d: %s. Sending %s", shorttxid(msg.Txid), action, res.Status, res.Message, pb.ChaincodeMessage_ERROR)
		return errorMsg([]byte(res.Message), stub.event())
	}

	resBytes, err := proto.Marshal(&res)
	if err != nil {
		h.logger.Errorf("[%s] %s marshal response error [%s]. Sending %s", shorttxid(msg.Txid), action, err, pb.ChaincodeMessage_ERROR)
		return errorMsg([]byte(err.Error()), stub.event())
	}

	h.logger.Debugf("[%s] %s succeeded. Sending %s", shorttxid(msg.Txid), action, pb.ChaincodeMessage_COMPLETED)
	return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_COMPLETED, Payload: resBytes, Txid: msg.Txid, ChaincodeEvent: stub.event(), ChannelId: msg.ChannelId}
}

func (h *Handler) callChaincode(stub *ChaincodeStub, action string) (res pb.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s panicked: %v", action, r)
		}
	}()

	if action == actionInit {
		return h.cc.Init(stub), nil
	}
	return h.cc.Invoke(stub), nil
}

// callPeerWithChaincodeMsg queues msg on its transaction context and waits
// for the correlated answer, decoded according to method.
func (h *Handler) callPeerWithChaincodeMsg(msg *pb.ChaincodeMessage, method string) (interface{}, error) {
	type result struct {
		value interface{}
		err   error
	}
	respCh := make(chan result, 1)

	h.logger.Debugf("[%s] Sending %s", shorttxid(msg.Txid), msg.Type)
	h.queue.QueueMsg(NewQMsg(msg, method,
		func(v interface{}) { respCh <- result{value: v} },
		func(err error) { respCh <- result{err: err} },
	))

	r := <-respCh
	return r.value, r.err
}

func (h *Handler) call(channelID, txid string, typ pb.ChaincodeMessage_Type, payload proto.Message, method string) (interface{}, error) {
	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "[%s] error marshalling %s payload", shorttxid(txid), typ)
	}
	return h.callPeerWithChaincodeMsg(&pb.ChaincodeMessage{Type: typ, Payload: payloadBytes, Txid: txid, ChannelId: channelID}, method)
}

func (h *Handler) handleGetState(collection, key, channelID, txid string) ([]byte, error) {
	v, err := h.call(channelID, txid, pb.ChaincodeMessage_GET_STATE, &pb.GetState{Collection: collection, Key: key}, MethodGetState)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (h *Handler) handleGetPrivateDataHash(collection, key, channelID, txid string) ([]byte, error) {
	v, err := h.call(channelID, txid, pb.ChaincodeMessage_GET_PRIVATE_DATA_HASH, &pb.GetState{Collection: collection, Key: key}, MethodGetPrivateDataHash)
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (h *Handler) handlePutState(collection, key string, value []byte, channelID, txid string) error {
	_, err := h.call(channelID, txid, pb.ChaincodeMessage_PUT_STATE, &pb.PutState{Collection: collection, Key: key, Value: value}, MethodPutState)
	return err
}

func (h *Handler) handleDelState(collection, key, channelID, txid string) error {
	_, err := h.call(channelID, txid, pb.ChaincodeMessage_DEL_STATE, &pb.DelState{Collection: collection, Key: key}, MethodDelState)
	return err
}

func (h *Handler) handleGetStateMetadata(collection, key, channelID, txid string) (map[string][]byte, error) {
	v, err := h.call(channelID, txid, pb.ChaincodeMessage_GET_STATE_METADATA, &pb.GetStateMetadata{Collection: collection, Key: key}, MethodGetStateMetadata)
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

func (h *Handler) handlePutStateMetadataEntry(collection, key, metakey string, metadata []byte, channelID, txid string) error {
	md := &pb.StateMetadata{Metakey: metakey, Value: metadata}
	_, err := h.call(channelID, txid, pb.ChaincodeMessage_PUT_STATE_METADATA, &pb.PutStateMetadata{Collection: collection, Key: key, Metadata: md}, MethodPutStateMetadata)
	return err
}

func (h *Handler) handleGetStateByRange(collection, startKey, endKey string, metadata []byte, channelID, txid string) (*pb.QueryResponse, error) {
	payload := &pb.GetStateByRange{Collection: collection, StartKey: startKey, EndKey: endKey, Metadata: metadata}
	return h.queryResponse(h.call(channelID, txid, pb.ChaincodeMessage_GET_STATE_BY_RANGE, payload, MethodGetStateByRange))
}

func (h *Handler) handleGetQueryResult(collection, query string, metadata []byte, channelID, txid string) (*pb.QueryResponse, error) {
	payload := &pb.GetQueryResult{Collection: collection, Query: query, Metadata: metadata}
	return h.queryResponse(h.call(channelID, txid, pb.ChaincodeMessage_GET_QUERY_RESULT, payload, MethodGetQueryResult))
}

func (h *Handler) handleGetHistoryForKey(key, channelID, txid string) (*pb.QueryResponse, error) {
	return h.queryResponse(h.call(channelID, txid, pb.ChaincodeMessage_GET_HISTORY_FOR_KEY, &pb.GetHistoryForKey{Key: key}, MethodGetHistoryForKey))
}

func (h *Handler) handleQueryStateNext(id, channelID, txid string) (*pb.QueryResponse, error) {
	return h.queryResponse(h.call(channelID, txid, pb.ChaincodeMessage_QUERY_STATE_NEXT, &pb.QueryStateNext{Id: id}, MethodQueryStateNext))
}

func (h *Handler) handleQueryStateClose(id, channelID, txid string) (*pb.QueryResponse, error) {
	return h.queryResponse(h.call(channelID, txid, pb.ChaincodeMessage_QUERY_STATE_CLOSE, &pb.QueryStateClose{Id: id}, MethodQueryStateClose))
}

func (h *Handler) queryResponse(v interface{}, err error) (*pb.QueryResponse, error) {
	if err != nil {
		return nil, err
	}
	return v.(*pb.QueryResponse), nil
}

// handleInvokeChaincode calls another chaincode. Failures are reported as an
// ERROR response rather than an error.
func (h *Handler) handleInvokeChaincode(chaincodeName string, args [][]byte, channelID, txid string) pb.Response {
	spec := &pb.ChaincodeSpec{ChaincodeId: &pb.ChaincodeID{Name: chaincodeName}, Input: &pb.ChaincodeInput{Args: args}}
	v, err := h.call(channelID, txid, pb.ChaincodeMessage_INVOKE_CHAINCODE, spec, MethodInvokeChaincode)
	if err != nil {
		h.logger.Errorf("[%s] Invoking chaincode %s failed: %s", shorttxid(txid), chaincodeName, err)
		return Error(err.Error())
	}
	return *v.(*pb.Response)
}
