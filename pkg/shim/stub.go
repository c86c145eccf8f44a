package shim

import (
	"sync"

	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/pkg/errors"
)

// ChaincodeStub is the ChaincodeStubInterface handed to Init and Invoke. One
// stub exists per transaction and it is bound to the handler that received it.
type ChaincodeStub struct {
	TxID      string
	ChannelID string

	args        [][]byte
	parsedArgs  []Arg
	decorations map[string][]byte
	handler     *Handler

	signedProposal *pb.SignedProposal
	// nil when the frame carried no signed proposal
	proposal *proposalContext

	validationParameterMetakey string

	eventLock      sync.Mutex
	chaincodeEvent *pb.ChaincodeEvent
}

func newChaincodeStub(handler *Handler, channelID, txid string, input *pb.ChaincodeInput, signedProposal *pb.SignedProposal) (*ChaincodeStub, error) {
	stub := &ChaincodeStub{
		TxID:                       txid,
		ChannelID:                  channelID,
		args:                       input.Args,
		parsedArgs:                 parseArgs(input.Args),
		decorations:                input.Decorations,
		handler:                    handler,
		signedProposal:             signedProposal,
		validationParameterMetakey: pb.MetaDataKeys_VALIDATION_PARAMETER.String(),
	}

	// INIT frames sent by the peer itself may carry no proposal
	if signedProposal != nil {
		proposal, err := decodeSignedProposal(signedProposal)
		if err != nil {
			return nil, err
		}
		stub.proposal = proposal
	}

	return stub, nil
}

func (s *ChaincodeStub) GetTxID() string {
	return s.TxID
}

func (s *ChaincodeStub) GetChannelID() string {
	return s.ChannelID
}

func (s *ChaincodeStub) GetDecorations() map[string][]byte {
	return s.decorations
}

func (s *ChaincodeStub) InvokeChaincode(chaincodeName string, args [][]byte, channel string) pb.Response {
	// the peer resolves name/channel
	if channel != "" {
		chaincodeName = chaincodeName + "/" + channel
	}
	return s.handler.handleInvokeChaincode(chaincodeName, args, s.ChannelID, s.TxID)
}

// ------------- state -------------

func (s *ChaincodeStub) GetState(key string) ([]byte, error) {
	return s.handler.handleGetState("", key, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) PutState(key string, value []byte) error {
	if key == "" {
		return errors.New("key must not be an empty string")
	}
	return s.handler.handlePutState("", key, value, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) DelState(key string) error {
	return s.handler.handleDelState("", key, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) SetStateValidationParameter(key string, ep []byte) error {
	return s.handler.handlePutStateMetadataEntry("", key, s.validationParameterMetakey, ep, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) GetStateValidationParameter(key string) ([]byte, error) {
	md, err := s.handler.handleGetStateMetadata("", key, s.ChannelID, s.TxID)
	if err != nil {
		return nil, err
	}
	return md[s.validationParameterMetakey], nil
}

// ------------- private data -------------

func validateCollection(collection string) error {
	if collection == "" {
		return errors.New("collection must not be an empty string")
	}
	return nil
}

func (s *ChaincodeStub) GetPrivateData(collection string, key string) ([]byte, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	return s.handler.handleGetState(collection, key, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) GetPrivateDataHash(collection string, key string) ([]byte, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	return s.handler.handleGetPrivateDataHash(collection, key, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) PutPrivateData(collection string, key string, value []byte) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if key == "" {
		return errors.New("key must not be an empty string")
	}
	return s.handler.handlePutState(collection, key, value, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) DelPrivateData(collection string, key string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	return s.handler.handleDelState(collection, key, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) SetPrivateDataValidationParameter(collection, key string, ep []byte) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	return s.handler.handlePutStateMetadataEntry(collection, key, s.validationParameterMetakey, ep, s.ChannelID, s.TxID)
}

func (s *ChaincodeStub) GetPrivateDataValidationParameter(collection, key string) ([]byte, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	md, err := s.handler.handleGetStateMetadata(collection, key, s.ChannelID, s.TxID)
	if err != nil {
		return nil, err
	}
	return md[s.validationParameterMetakey], nil
}

func (s *ChaincodeStub) GetPrivateDataByRange(collection, startKey, endKey string) (StateQueryIteratorInterface, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	iterator, _, err := s.rangeQuery(collection, startKey, endKey, nil)
	return iterator, err
}

func (s *ChaincodeStub) GetPrivateDataByPartialCompositeKey(collection, objectType string, attributes []string) (StateQueryIteratorInterface, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	startKey, endKey, err := partialCompositeKeyRange(objectType, attributes)
	if err != nil {
		return nil, err
	}
	iterator, _, err := s.handleGetStateByRange(collection, startKey, endKey, nil)
	return iterator, err
}

func (s *ChaincodeStub) GetPrivateDataQueryResult(collection, query string) (StateQueryIteratorInterface, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	iterator, _, err := s.handleGetQueryResult(collection, query, nil)
	return iterator, err
}

// ------------- queries -------------

func createQueryMetadata(pageSize int32, bookmark string) ([]byte, error) {
	metadataBytes, err := proto.Marshal(&pb.QueryMetadata{PageSize: pageSize, Bookmark: bookmark})
	return metadataBytes, errors.Wrap(err, "error marshalling query metadata")
}

func createQueryResponseMetadata(metadataBytes []byte) (*pb.QueryResponseMetadata, error) {
	metadata := &pb.QueryResponseMetadata{}
	if err := proto.Unmarshal(metadataBytes, metadata); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling query response metadata")
	}
	return metadata, nil
}

// rangeQuery validates a simple key range, substitutes an open start key and
// sends it.
func (s *ChaincodeStub) rangeQuery(collection, startKey, endKey string, metadata []byte) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	if err := validateRangeKeys(startKey, endKey); err != nil {
		return nil, nil, err
	}
	if startKey == "" {
		startKey = emptyKeySubstitute
	}
	return s.handleGetStateByRange(collection, startKey, endKey, metadata)
}

func (s *ChaincodeStub) handleGetStateByRange(collection, startKey, endKey string, metadata []byte) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	response, err := s.handler.handleGetStateByRange(collection, startKey, endKey, metadata, s.ChannelID, s.TxID)
	if err != nil {
		return nil, nil, err
	}
	return s.stateIterator(response)
}

func (s *ChaincodeStub) handleGetQueryResult(collection, query string, metadata []byte) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	response, err := s.handler.handleGetQueryResult(collection, query, metadata, s.ChannelID, s.TxID)
	if err != nil {
		return nil, nil, err
	}
	return s.stateIterator(response)
}

func (s *ChaincodeStub) stateIterator(response *pb.QueryResponse) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	responseMetadata, err := createQueryResponseMetadata(response.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return &StateQueryIterator{commonIterator: newCommonIterator(s.handler, s.ChannelID, s.TxID, response)}, responseMetadata, nil
}

func (s *ChaincodeStub) GetStateByRange(startKey, endKey string) (StateQueryIteratorInterface, error) {
	// response metadata only matters for paginated queries
	iterator, _, err := s.rangeQuery("", startKey, endKey, nil)
	return iterator, err
}

func (s *ChaincodeStub) GetStateByRangeWithPagination(startKey, endKey string, pageSize int32,
	bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {

	metadata, err := createQueryMetadata(pageSize, bookmark)
	if err != nil {
		return nil, nil, err
	}
	return s.rangeQuery("", startKey, endKey, metadata)
}

func (s *ChaincodeStub) GetStateByPartialCompositeKey(objectType string, attributes []string) (StateQueryIteratorInterface, error) {
	startKey, endKey, err := partialCompositeKeyRange(objectType, attributes)
	if err != nil {
		return nil, err
	}
	iterator, _, err := s.handleGetStateByRange("", startKey, endKey, nil)
	return iterator, err
}

func (s *ChaincodeStub) GetStateByPartialCompositeKeyWithPagination(objectType string, keys []string,
	pageSize int32, bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {

	startKey, endKey, err := partialCompositeKeyRange(objectType, keys)
	if err != nil {
		return nil, nil, err
	}
	metadata, err := createQueryMetadata(pageSize, bookmark)
	if err != nil {
		return nil, nil, err
	}
	return s.handleGetStateByRange("", startKey, endKey, metadata)
}

func (s *ChaincodeStub) GetQueryResult(query string) (StateQueryIteratorInterface, error) {
	iterator, _, err := s.handleGetQueryResult("", query, nil)
	return iterator, err
}

func (s *ChaincodeStub) GetQueryResultWithPagination(query string, pageSize int32,
	bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {

	metadata, err := createQueryMetadata(pageSize, bookmark)
	if err != nil {
		return nil, nil, err
	}
	return s.handleGetQueryResult("", query, metadata)
}

func (s *ChaincodeStub) GetHistoryForKey(key string) (HistoryQueryIteratorInterface, error) {
	response, err := s.handler.handleGetHistoryForKey(key, s.ChannelID, s.TxID)
	if err != nil {
		return nil, err
	}
	return &HistoryQueryIterator{commonIterator: newCommonIterator(s.handler, s.ChannelID, s.TxID, response)}, nil
}

func (s *ChaincodeStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	return CreateCompositeKey(objectType, attributes)
}

func (s *ChaincodeStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	return SplitCompositeKey(compositeKey)
}

// ------------- arguments and proposal -------------

func (s *ChaincodeStub) GetArgs() [][]byte {
	return s.args
}

func (s *ChaincodeStub) GetParsedArgs() []Arg {
	return s.parsedArgs
}

func (s *ChaincodeStub) GetStringArgs() []string {
	strargs := make([]string, 0, len(s.args))
	for _, barg := range s.args {
		strargs = append(strargs, string(barg))
	}
	return strargs
}

func (s *ChaincodeStub) GetFunctionAndParameters() (function string, params []string) {
	allargs := s.GetStringArgs()
	function = ""
	params = []string{}
	if len(allargs) >= 1 {
		function = allargs[0]
		params = allargs[1:]
	}
	return
}

func (s *ChaincodeStub) GetArgsSlice() ([]byte, error) {
	res := []byte{}
	for _, barg := range s.args {
		res = append(res, barg...)
	}
	return res, nil
}

func (s *ChaincodeStub) GetCreator() ([]byte, error) {
	if s.proposal == nil {
		return nil, nil
	}
	return s.proposal.creator, nil
}

func (s *ChaincodeStub) GetCreatorIdentity() (string, []byte) {
	if s.proposal == nil {
		return "", nil
	}
	return s.proposal.mspID, s.proposal.idBytes
}

func (s *ChaincodeStub) GetTransient() (map[string][]byte, error) {
	if s.proposal == nil {
		return nil, nil
	}
	return s.proposal.transient, nil
}

func (s *ChaincodeStub) GetBinding() ([]byte, error) {
	if s.proposal == nil {
		return nil, nil
	}
	return s.proposal.binding, nil
}

func (s *ChaincodeStub) GetSignedProposal() (*pb.SignedProposal, error) {
	return s.signedProposal, nil
}

func (s *ChaincodeStub) GetTxTimestamp() (*timestamp.Timestamp, error) {
	if s.proposal == nil {
		return nil, errors.Errorf("[%s] transaction carries no signed proposal", shorttxid(s.TxID))
	}
	return s.proposal.timestamp, nil
}

// ------------- events -------------

func (s *ChaincodeStub) SetEvent(name string, payload []byte) error {
	if name == "" {
		return errors.New("event name can not be empty string")
	}
	s.eventLock.Lock()
	s.chaincodeEvent = &pb.ChaincodeEvent{EventName: name, Payload: payload}
	s.eventLock.Unlock()
	return nil
}

func (s *ChaincodeStub) event() *pb.ChaincodeEvent {
	s.eventLock.Lock()
	defer s.eventLock.Unlock()
	return s.chaincodeEvent
}
