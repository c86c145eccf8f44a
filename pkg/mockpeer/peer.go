package mockpeer

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GwanWingYan/fabric-protos-go/ledger/queryresult"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBatchSize = 100
	resultTimeout    = 10 * time.Second
)

// Responder answers one request frame in place of the ledger. Returning nil
// sends nothing, the test may answer later with Send.
type Responder func(msg *pb.ChaincodeMessage) *pb.ChaincodeMessage

// ChaincodeFunc stands in for a chaincode reached through INVOKE_CHAINCODE.
type ChaincodeFunc func(args [][]byte) pb.Response

type Option func(*Peer)

func WithLedger(l *Ledger) Option {
	return func(p *Peer) { p.ledger = l }
}

// WithBatchSize sets how many records one QueryResponse carries.
func WithBatchSize(n int) Option {
	return func(p *Peer) { p.batchSize = n }
}

func WithLogger(logger *log.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// WithManualHandshake leaves REGISTER unanswered, the test drives the
// handshake itself.
func WithManualHandshake() Option {
	return func(p *Peer) { p.manualHandshake = true }
}

type cursor struct {
	results [][]byte
	pos     int
}

// Peer plays the peer side of a chaincode stream. It answers the handshake,
// serves ledger requests from a Ledger and collects transaction results.
type Peer struct {
	stream          *Stream
	ledger          *Ledger
	logger          *log.Logger
	batchSize       int
	manualHandshake bool

	mutex      sync.Mutex
	name       string
	responders map[pb.ChaincodeMessage_Type]Responder
	chaincodes map[string]ChaincodeFunc
	cursors    map[string]*cursor
	cursorSeq  int
	received   []*pb.ChaincodeMessage
	results    map[string]chan *pb.ChaincodeMessage

	registered     chan struct{}
	registeredOnce sync.Once
	done           chan struct{}
}

// New returns a peer serving the peer side of a stream pair.
func New(stream *Stream, opts ...Option) *Peer {
	p := &Peer{
		stream:     stream,
		ledger:     NewLedger(),
		logger:     log.StandardLogger(),
		batchSize:  defaultBatchSize,
		responders: map[pb.ChaincodeMessage_Type]Responder{},
		chaincodes: map[string]ChaincodeFunc{},
		cursors:    map[string]*cursor{},
		results:    map[string]chan *pb.ChaincodeMessage{},
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start serves frames until the chaincode closes its side.
func (p *Peer) Start() {
	go p.serve()
}

func (p *Peer) Ledger() *Ledger {
	return p.ledger
}

// Name is the chaincode name sent with REGISTER.
func (p *Peer) Name() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.name
}

// Handle overrides how frames of typ are answered.
func (p *Peer) Handle(typ pb.ChaincodeMessage_Type, r Responder) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.responders[typ] = r
}

func (p *Peer) RegisterChaincode(name string, fn ChaincodeFunc) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.chaincodes[name] = fn
}

// Send writes a frame to the chaincode.
func (p *Peer) Send(msg *pb.ChaincodeMessage) error {
	return p.stream.Send(msg)
}

// Close ends the stream, the chaincode sees io.EOF.
func (p *Peer) Close() error {
	return p.stream.CloseSend()
}

// Done is closed once the chaincode has closed its side of the stream.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Received returns a copy of every frame received so far.
func (p *Peer) Received() []*pb.ChaincodeMessage {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]*pb.ChaincodeMessage(nil), p.received...)
}

// ReceivedOfType returns the received frames of one type.
func (p *Peer) ReceivedOfType(typ pb.ChaincodeMessage_Type) []*pb.ChaincodeMessage {
	var msgs []*pb.ChaincodeMessage
	for _, msg := range p.Received() {
		if msg.Type == typ {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// OpenCursors returns the number of query cursors not yet closed.
func (p *Peer) OpenCursors() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.cursors)
}

// WaitRegistered blocks until the handshake has been answered.
func (p *Peer) WaitRegistered(timeout time.Duration) error {
	select {
	case <-p.registered:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for REGISTER")
	}
}

// Init sends an INIT frame and waits for COMPLETED or ERROR.
func (p *Peer) Init(channelID, txid string, signedProposal *pb.SignedProposal, args ...string) (*pb.ChaincodeMessage, error) {
	return p.Execute(pb.ChaincodeMessage_INIT, channelID, txid, signedProposal, stringArgs(args))
}

// Invoke sends a TRANSACTION frame and waits for COMPLETED or ERROR.
func (p *Peer) Invoke(channelID, txid string, signedProposal *pb.SignedProposal, args ...string) (*pb.ChaincodeMessage, error) {
	return p.Execute(pb.ChaincodeMessage_TRANSACTION, channelID, txid, signedProposal, stringArgs(args))
}

func (p *Peer) Execute(typ pb.ChaincodeMessage_Type, channelID, txid string, signedProposal *pb.SignedProposal, args [][]byte) (*pb.ChaincodeMessage, error) {
	payload, err := proto.Marshal(&pb.ChaincodeInput{Args: args})
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling chaincode input")
	}

	resultCh := make(chan *pb.ChaincodeMessage, 1)
	key := channelID + txid
	p.mutex.Lock()
	p.results[key] = resultCh
	p.mutex.Unlock()
	defer func() {
		p.mutex.Lock()
		delete(p.results, key)
		p.mutex.Unlock()
	}()

	msg := &pb.ChaincodeMessage{Type: typ, Payload: payload, Txid: txid, ChannelId: channelID, Proposal: signedProposal}
	if err := p.stream.Send(msg); err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-p.done:
		return nil, errors.Errorf("stream closed before %s [%s] completed", typ, txid)
	case <-time.After(resultTimeout):
		return nil, errors.Errorf("timeout waiting for %s [%s]", typ, txid)
	}
}

func stringArgs(args []string) [][]byte {
	bargs := make([][]byte, 0, len(args))
	for _, a := range args {
		bargs = append(bargs, []byte(a))
	}
	return bargs
}

func (p *Peer) serve() {
	defer close(p.done)

	for {
		msg, err := p.stream.Recv()
		if err != nil {
			p.logger.Debugf("mock peer stops serving: %s", err)
			return
		}

		p.mutex.Lock()
		p.received = append(p.received, msg)
		responder := p.responders[msg.Type]
		p.mutex.Unlock()

		if responder != nil {
			if resp := responder(msg); resp != nil {
				p.stream.Send(resp)
			}
			continue
		}

		switch msg.Type {
		case pb.ChaincodeMessage_REGISTER:
			p.handleRegister(msg)
		case pb.ChaincodeMessage_COMPLETED, pb.ChaincodeMessage_ERROR:
			p.handleResult(msg)
		case pb.ChaincodeMessage_KEEPALIVE:
		default:
			p.stream.Send(p.serveRequest(msg))
		}
	}
}

func (p *Peer) handleRegister(msg *pb.ChaincodeMessage) {
	id := &pb.ChaincodeID{}
	if err := proto.Unmarshal(msg.Payload, id); err != nil {
		p.logger.Errorf("mock peer received bad REGISTER payload: %s", err)
		return
	}
	p.mutex.Lock()
	p.name = id.Name
	p.mutex.Unlock()

	if p.manualHandshake {
		return
	}
	p.stream.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTERED})
	p.stream.Send(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_READY})
	p.registeredOnce.Do(func() { close(p.registered) })
}

func (p *Peer) handleResult(msg *pb.ChaincodeMessage) {
	p.mutex.Lock()
	resultCh := p.results[msg.ChannelId+msg.Txid]
	p.mutex.Unlock()

	if resultCh == nil {
		p.logger.Debugf("mock peer received %s for unknown transaction [%s]", msg.Type, msg.Txid)
		return
	}
	resultCh <- msg
}

func (p *Peer) serveRequest(msg *pb.ChaincodeMessage) *pb.ChaincodeMessage {
	payload, err := p.handleRequest(msg)
	if err != nil {
		return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_ERROR, Payload: []byte(err.Error()), Txid: msg.Txid, ChannelId: msg.ChannelId}
	}
	return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_RESPONSE, Payload: payload, Txid: msg.Txid, ChannelId: msg.ChannelId}
}

func (p *Peer) handleRequest(msg *pb.ChaincodeMessage) ([]byte, error) {
	switch msg.Type {
	case pb.ChaincodeMessage_GET_STATE, pb.ChaincodeMessage_GET_PRIVATE_DATA_HASH:
		req := &pb.GetState{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		if msg.Type == pb.ChaincodeMessage_GET_PRIVATE_DATA_HASH {
			return p.ledger.GetHash(req.Collection, req.Key), nil
		}
		return p.ledger.Get(req.Collection, req.Key), nil

	case pb.ChaincodeMessage_PUT_STATE:
		req := &pb.PutState{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		p.ledger.Put(req.Collection, req.Key, req.Value, msg.Txid)
		return nil, nil

	case pb.ChaincodeMessage_DEL_STATE:
		req := &pb.DelState{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		p.ledger.Delete(req.Collection, req.Key, msg.Txid)
		return nil, nil

	case pb.ChaincodeMessage_GET_STATE_METADATA:
		req := &pb.GetStateMetadata{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		md := p.ledger.Metadata(req.Collection, req.Key)
		metakeys := make([]string, 0, len(md))
		for k := range md {
			metakeys = append(metakeys, k)
		}
		sort.Strings(metakeys)
		result := &pb.StateMetadataResult{}
		for _, k := range metakeys {
			result.Entries = append(result.Entries, &pb.StateMetadata{Metakey: k, Value: md[k]})
		}
		return proto.Marshal(result)

	case pb.ChaincodeMessage_PUT_STATE_METADATA:
		req := &pb.PutStateMetadata{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		if req.Metadata == nil {
			return nil, errors.New("metadata entry missing")
		}
		p.ledger.PutMetadata(req.Collection, req.Key, req.Metadata.Metakey, req.Metadata.Value)
		return nil, nil

	case pb.ChaincodeMessage_GET_STATE_BY_RANGE:
		req := &pb.GetStateByRange{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		return p.openPaged(p.ledger.Range(req.Collection, req.StartKey, req.EndKey), req.Metadata)

	case pb.ChaincodeMessage_GET_QUERY_RESULT:
		req := &pb.GetQueryResult{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		kvs, err := p.ledger.Query(req.Collection, req.Query)
		if err != nil {
			return nil, err
		}
		return p.openPaged(kvs, req.Metadata)

	case pb.ChaincodeMessage_GET_HISTORY_FOR_KEY:
		req := &pb.GetHistoryForKey{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		var results [][]byte
		for _, km := range p.ledger.History(req.Key) {
			b, err := proto.Marshal(km)
			if err != nil {
				return nil, err
			}
			results = append(results, b)
		}
		return p.openCursor(results, nil)

	case pb.ChaincodeMessage_QUERY_STATE_NEXT:
		req := &pb.QueryStateNext{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		return p.nextBatch(req.Id)

	case pb.ChaincodeMessage_QUERY_STATE_CLOSE:
		req := &pb.QueryStateClose{}
		if err := proto.Unmarshal(msg.Payload, req); err != nil {
			return nil, err
		}
		p.mutex.Lock()
		delete(p.cursors, req.Id)
		p.mutex.Unlock()
		return proto.Marshal(&pb.QueryResponse{Id: req.Id})

	case pb.ChaincodeMessage_INVOKE_CHAINCODE:
		return p.invokeChaincode(msg)
	}

	return nil, errors.Errorf("mock peer does not serve %s", msg.Type)
}

// openPaged applies the optional QueryMetadata to kvs. The bookmark is the
// first key of the page.
func (p *Peer) openPaged(kvs []*queryresult.KV, metadataBytes []byte) ([]byte, error) {
	var responseMetadata *pb.QueryResponseMetadata

	if len(metadataBytes) > 0 {
		md := &pb.QueryMetadata{}
		if err := proto.Unmarshal(metadataBytes, md); err != nil {
			return nil, err
		}
		if md.Bookmark != "" {
			i := sort.Search(len(kvs), func(i int) bool { return kvs[i].Key >= md.Bookmark })
			kvs = kvs[i:]
		}
		bookmark := ""
		if md.PageSize > 0 && len(kvs) > int(md.PageSize) {
			bookmark = kvs[md.PageSize].Key
			kvs = kvs[:md.PageSize]
		}
		responseMetadata = &pb.QueryResponseMetadata{FetchedRecordsCount: int32(len(kvs)), Bookmark: bookmark}
	}

	results := make([][]byte, 0, len(kvs))
	for _, kv := range kvs {
		b, err := proto.Marshal(kv)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return p.openCursor(results, responseMetadata)
}

func (p *Peer) openCursor(results [][]byte, md *pb.QueryResponseMetadata) ([]byte, error) {
	p.mutex.Lock()
	p.cursorSeq++
	id := "cursor-" + strconv.Itoa(p.cursorSeq)
	p.cursors[id] = &cursor{results: results}
	p.mutex.Unlock()

	resp, err := p.batch(id)
	if err != nil {
		return nil, err
	}
	if md != nil {
		if resp.Metadata, err = proto.Marshal(md); err != nil {
			return nil, err
		}
	}
	return proto.Marshal(resp)
}

func (p *Peer) nextBatch(id string) ([]byte, error) {
	resp, err := p.batch(id)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(resp)
}

func (p *Peer) batch(id string) (*pb.QueryResponse, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	c, ok := p.cursors[id]
	if !ok {
		return nil, errors.Errorf("query cursor %s not found", id)
	}

	end := c.pos + p.batchSize
	if end > len(c.results) {
		end = len(c.results)
	}
	resp := &pb.QueryResponse{Id: id}
	for _, b := range c.results[c.pos:end] {
		resp.Results = append(resp.Results, &pb.QueryResultBytes{ResultBytes: b})
	}
	c.pos = end
	resp.HasMore = c.pos < len(c.results)
	return resp, nil
}

func (p *Peer) invokeChaincode(msg *pb.ChaincodeMessage) ([]byte, error) {
	spec := &pb.ChaincodeSpec{}
	if err := proto.Unmarshal(msg.Payload, spec); err != nil {
		return nil, err
	}
	if spec.ChaincodeId == nil {
		return nil, errors.New("chaincode id missing")
	}

	// name or name/channel
	name := strings.SplitN(spec.ChaincodeId.Name, "/", 2)[0]

	p.mutex.Lock()
	fn := p.chaincodes[name]
	p.mutex.Unlock()
	if fn == nil {
		return nil, errors.Errorf("chaincode %s not found", name)
	}

	var args [][]byte
	if spec.Input != nil {
		args = spec.Input.Args
	}
	res := fn(args)
	resBytes, err := proto.Marshal(&res)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_COMPLETED, Payload: resBytes, Txid: msg.Txid, ChannelId: msg.ChannelId})
}
