package shim

import (
	"sync"

	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/go-kit/kit/metrics"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Methods recorded on queued requests. The method selects how the RESPONSE
// payload is decoded.
const (
	MethodGetState           = "GetState"
	MethodGetPrivateDataHash = "GetPrivateDataHash"
	MethodPutState           = "PutState"
	MethodDelState           = "DelState"
	MethodGetStateMetadata   = "GetStateMetadata"
	MethodPutStateMetadata   = "PutStateMetadata"
	MethodGetStateByRange    = "GetStateByRange"
	MethodGetQueryResult     = "GetQueryResult"
	MethodGetHistoryForKey   = "GetHistoryForKey"
	MethodQueryStateNext     = "QueryStateNext"
	MethodQueryStateClose    = "QueryStateClose"
	MethodInvokeChaincode    = "InvokeChaincode"
)

// QMsg is a request waiting for its turn on the stream, or for its response.
type QMsg struct {
	msg       *pb.ChaincodeMessage
	method    string
	onSuccess func(interface{})
	onFailure func(error)
	once      sync.Once
}

// NewQMsg builds a queued request. Exactly one of the callbacks is called,
// exactly once.
func NewQMsg(msg *pb.ChaincodeMessage, method string, onSuccess func(interface{}), onFailure func(error)) *QMsg {
	return &QMsg{msg: msg, method: method, onSuccess: onSuccess, onFailure: onFailure}
}

func (q *QMsg) succeed(v interface{}) {
	q.once.Do(func() { q.onSuccess(v) })
}

func (q *QMsg) fail(err error) {
	q.once.Do(func() { q.onFailure(err) })
}

// MsgQueueHandler keeps one FIFO of requests per transaction context and
// makes sure only the head of each FIFO is on the wire. Queues of different
// contexts never wait on each other.
type MsgQueueHandler struct {
	mutex    sync.Mutex
	txQueues map[string][]*QMsg
	closed   error

	send    func(*pb.ChaincodeMessage) error
	logger  *log.Logger
	pending metrics.Gauge
}

// NewMsgQueueHandler returns a queue handler writing through send.
func NewMsgQueueHandler(send func(*pb.ChaincodeMessage) error, logger *log.Logger, pending metrics.Gauge) *MsgQueueHandler {
	return &MsgQueueHandler{
		txQueues: map[string][]*QMsg{},
		send:     send,
		logger:   logger,
		pending:  pending,
	}
}

// The transaction context id concatenates channel and txid so the same txid
// can be in flight on two channels at once (cc2cc).
func txCtxID(channelID, txid string) string {
	return channelID + txid
}

// QueueMsg appends qmsg to its context queue and writes it right away when
// it became the head.
func (q *MsgQueueHandler) QueueMsg(qmsg *QMsg) {
	key := txCtxID(qmsg.msg.ChannelId, qmsg.msg.Txid)

	q.mutex.Lock()
	if q.closed != nil {
		err := q.closed
		q.mutex.Unlock()
		qmsg.fail(err)
		return
	}
	queue := q.txQueues[key]
	q.txQueues[key] = append(queue, qmsg)
	isHead := len(queue) == 0
	q.mutex.Unlock()

	q.pending.Add(1)
	if isHead {
		q.sendMsg(key, qmsg)
	}
}

// HandleMsgResponse correlates a RESPONSE or ERROR frame with the head of its
// context queue, resolves it and moves the queue forward.
func (q *MsgQueueHandler) HandleMsgResponse(msg *pb.ChaincodeMessage) {
	key := txCtxID(msg.ChannelId, msg.Txid)

	q.mutex.Lock()
	queue := q.txQueues[key]
	if len(queue) == 0 {
		q.mutex.Unlock()
		q.logger.Errorf("[%s] No outstanding request for %s on channel [%s], dropping it", shorttxid(msg.Txid), msg.Type, msg.ChannelId)
		return
	}
	head := queue[0]
	q.mutex.Unlock()

	value, err := decodeResponse(head.method, msg)
	if err != nil {
		q.logger.Debugf("[%s] %s failed: %s", shorttxid(msg.Txid), head.method, err)
		head.fail(err)
	} else {
		head.succeed(value)
	}

	if next := q.advance(key, head); next != nil {
		q.sendMsg(key, next)
	}
}

// Pending returns the number of queued and in flight requests of a context.
func (q *MsgQueueHandler) Pending(channelID, txid string) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.txQueues[txCtxID(channelID, txid)])
}

// FailAll resolves every queued request with err and rejects any request
// queued afterwards.
func (q *MsgQueueHandler) FailAll(err error) {
	q.mutex.Lock()
	queues := q.txQueues
	q.txQueues = map[string][]*QMsg{}
	q.closed = err
	q.mutex.Unlock()

	for key, queue := range queues {
		q.logger.Debugf("Failing %d pending request(s) of context [%s]", len(queue), key)
		for _, qmsg := range queue {
			qmsg.fail(err)
			q.pending.Add(-1)
		}
	}
}

// sendMsg writes qmsg. A failed write resolves it and moves on to the next
// request of the same context.
func (q *MsgQueueHandler) sendMsg(key string, qmsg *QMsg) {
	for qmsg != nil {
		err := q.send(qmsg.msg)
		if err == nil {
			return
		}
		q.logger.Errorf("[%s] Error sending %s: %s", shorttxid(qmsg.msg.Txid), qmsg.msg.Type, err)
		qmsg.fail(errors.WithMessagef(err, "[%s] error sending %s", shorttxid(qmsg.msg.Txid), qmsg.msg.Type))
		qmsg = q.advance(key, qmsg)
	}
}

// advance removes done from the head of its queue and returns the new head.
// Empty queues are dropped from the map.
func (q *MsgQueueHandler) advance(key string, done *QMsg) *QMsg {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	queue := q.txQueues[key]
	if len(queue) == 0 || queue[0] != done {
		return nil
	}
	q.pending.Add(-1)
	queue[0] = nil
	queue = queue[1:]
	if len(queue) == 0 {
		delete(q.txQueues, key)
		return nil
	}
	q.txQueues[key] = queue
	return queue[0]
}

func decodeResponse(method string, msg *pb.ChaincodeMessage) (interface{}, error) {
	switch msg.Type {
	case pb.ChaincodeMessage_RESPONSE:
	case pb.ChaincodeMessage_ERROR:
		return nil, errors.New(string(msg.Payload))
	default:
		return nil, errors.Errorf("[%s] incorrect chaincode message %s received. Expecting %s or %s",
			shorttxid(msg.Txid), msg.Type, pb.ChaincodeMessage_RESPONSE, pb.ChaincodeMessage_ERROR)
	}

	switch method {
	case MethodGetState, MethodGetPrivateDataHash:
		return msg.Payload, nil

	case MethodPutState, MethodDelState, MethodPutStateMetadata:
		return nil, nil

	case MethodGetStateMetadata:
		mdResult := &pb.StateMetadataResult{}
		if err := proto.Unmarshal(msg.Payload, mdResult); err != nil {
			return nil, errors.Wrapf(err, "[%s] could not unmarshal metadata response", shorttxid(msg.Txid))
		}
		metadata := make(map[string][]byte, len(mdResult.Entries))
		for _, md := range mdResult.Entries {
			metadata[md.Metakey] = md.Value
		}
		return metadata, nil

	case MethodGetStateByRange, MethodGetQueryResult, MethodGetHistoryForKey, MethodQueryStateNext, MethodQueryStateClose:
		queryResponse := &pb.QueryResponse{}
		if err := proto.Unmarshal(msg.Payload, queryResponse); err != nil {
			return nil, errors.Wrapf(err, "[%s] %s response unmarshal error", shorttxid(msg.Txid), method)
		}
		return queryResponse, nil

	case MethodInvokeChaincode:
		respMsg := &pb.ChaincodeMessage{}
		if err := proto.Unmarshal(msg.Payload, respMsg); err != nil {
			return nil, errors.Wrapf(err, "[%s] error unmarshaling called chaincode response", shorttxid(msg.Txid))
		}
		if respMsg.Type != pb.ChaincodeMessage_COMPLETED {
			return nil, errors.Errorf("[%s] called chaincode returned %s: %s", shorttxid(msg.Txid), respMsg.Type, respMsg.Payload)
		}
		res := &pb.Response{}
		if err := proto.Unmarshal(respMsg.Payload, res); err != nil {
			return nil, errors.Wrapf(err, "[%s] error unmarshaling payload of called chaincode response", shorttxid(msg.Txid))
		}
		return res, nil
	}

	return nil, errors.Errorf("[%s] unknown method %s for response", shorttxid(msg.Txid), method)
}
