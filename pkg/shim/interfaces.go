package shim

import (
	"github.com/GwanWingYan/fabric-protos-go/ledger/queryresult"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
)

// Chaincode is the business handler driven by the shim. Init is called for
// INIT frames and Invoke for TRANSACTION frames. Both may block on stub calls.
type Chaincode interface {
	Init(stub ChaincodeStubInterface) pb.Response
	Invoke(stub ChaincodeStubInterface) pb.Response
}

// ChaincodeStubInterface is the per-invocation view of the ledger handed to a
// Chaincode. Every method that talks to the peer suspends the caller until the
// correlated RESPONSE or ERROR frame arrives.
type ChaincodeStubInterface interface {
	// GetArgs returns the raw arguments of the invocation, function name first.
	GetArgs() [][]byte
	// GetParsedArgs returns the arguments as structured-or-text values.
	GetParsedArgs() []Arg
	GetStringArgs() []string
	// GetFunctionAndParameters splits the string arguments into the function
	// name and its parameters.
	GetFunctionAndParameters() (string, []string)
	GetArgsSlice() ([]byte, error)
	GetTxID() string
	GetChannelID() string

	// InvokeChaincode calls another chaincode on the same peer using the
	// current transaction context. An empty channel means the caller's channel.
	InvokeChaincode(chaincodeName string, args [][]byte, channel string) pb.Response

	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	DelState(key string) error
	SetStateValidationParameter(key string, ep []byte) error
	GetStateValidationParameter(key string) ([]byte, error)

	// GetStateByRange returns an iterator over keys in [startKey, endKey).
	// Empty keys mean an open bound. The caller must Close the iterator.
	GetStateByRange(startKey, endKey string) (StateQueryIteratorInterface, error)
	GetStateByRangeWithPagination(startKey, endKey string, pageSize int32,
		bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error)
	GetStateByPartialCompositeKey(objectType string, keys []string) (StateQueryIteratorInterface, error)
	GetStateByPartialCompositeKeyWithPagination(objectType string, keys []string,
		pageSize int32, bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error)
	CreateCompositeKey(objectType string, attributes []string) (string, error)
	SplitCompositeKey(compositeKey string) (string, []string, error)

	// GetQueryResult performs a rich query against a state database that
	// supports it. The query string syntax is that of the database.
	GetQueryResult(query string) (StateQueryIteratorInterface, error)
	GetQueryResultWithPagination(query string, pageSize int32,
		bookmark string) (StateQueryIteratorInterface, *pb.QueryResponseMetadata, error)
	GetHistoryForKey(key string) (HistoryQueryIteratorInterface, error)

	GetPrivateData(collection, key string) ([]byte, error)
	GetPrivateDataHash(collection, key string) ([]byte, error)
	PutPrivateData(collection string, key string, value []byte) error
	DelPrivateData(collection, key string) error
	SetPrivateDataValidationParameter(collection, key string, ep []byte) error
	GetPrivateDataValidationParameter(collection, key string) ([]byte, error)
	GetPrivateDataByRange(collection, startKey, endKey string) (StateQueryIteratorInterface, error)
	GetPrivateDataByPartialCompositeKey(collection, objectType string, keys []string) (StateQueryIteratorInterface, error)
	GetPrivateDataQueryResult(collection, query string) (StateQueryIteratorInterface, error)

	GetCreator() ([]byte, error)
	// GetCreatorIdentity returns the MSP id and certificate bytes of the
	// proposal submitter.
	GetCreatorIdentity() (string, []byte)
	GetTransient() (map[string][]byte, error)
	GetBinding() ([]byte, error)
	GetDecorations() map[string][]byte
	GetSignedProposal() (*pb.SignedProposal, error)
	GetTxTimestamp() (*timestamp.Timestamp, error)

	// SetEvent sets the event attached to the COMPLETED frame of this
	// transaction. Only the last event set is kept.
	SetEvent(name string, payload []byte) error
}

// CommonIteratorInterface is shared by state and history iterators.
type CommonIteratorInterface interface {
	// HasNext reports whether another call to Next can yield a record.
	HasNext() bool
	// Close releases the peer side cursor. It is safe to call more than once.
	Close() error
	// OnItem registers a listener called for every record produced by Next.
	OnItem(func(proto.Message))
	// OnDone registers a listener called once when the sequence is exhausted.
	OnDone(func())
}

// StateQueryIteratorInterface iterates over key/value records.
type StateQueryIteratorInterface interface {
	CommonIteratorInterface
	// Next returns the next record, or Done once the sequence is exhausted.
	Next() (*queryresult.KV, error)
	// ForEach calls fn for each remaining record and always closes the iterator.
	ForEach(fn func(*queryresult.KV) error) error
}

// HistoryQueryIteratorInterface iterates over the modifications of one key.
type HistoryQueryIteratorInterface interface {
	CommonIteratorInterface
	Next() (*queryresult.KeyModification, error)
	ForEach(fn func(*queryresult.KeyModification) error) error
}
