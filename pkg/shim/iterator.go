package shim

import (
	"github.com/GwanWingYan/fabric-protos-go/ledger/queryresult"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Done is returned by Next once an iterator is exhausted, and on every call
// after that.
var Done = errors.New("no more items in iterator")

// ErrStopIteration ends ForEach early without error.
var ErrStopIteration = errors.New("stop iteration")

// commonIterator walks the pages of one peer side cursor. Pages are fetched
// with QUERY_STATE_NEXT only when the buffered one is used up. It is not safe
// for concurrent use.
type commonIterator struct {
	handler    *Handler
	channelID  string
	txid       string
	response   *pb.QueryResponse
	currentLoc int

	done   bool
	closed bool

	onItem []func(proto.Message)
	onDone []func()
}

func newCommonIterator(handler *Handler, channelID, txid string, response *pb.QueryResponse) *commonIterator {
	return &commonIterator{handler: handler, channelID: channelID, txid: txid, response: response}
}

func (it *commonIterator) HasNext() bool {
	if it.done || it.closed {
		return false
	}
	return it.currentLoc < len(it.response.Results) || it.response.HasMore
}

func (it *commonIterator) OnItem(fn func(proto.Message)) {
	it.onItem = append(it.onItem, fn)
}

func (it *commonIterator) OnDone(fn func()) {
	it.onDone = append(it.onDone, fn)
}

// Close releases the cursor on the peer. Only the first call is sent.
func (it *commonIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	_, err := it.handler.handleQueryStateClose(it.response.Id, it.channelID, it.txid)
	return err
}

func (it *commonIterator) nextResult(record proto.Message) (proto.Message, error) {
	for {
		if it.done || it.closed {
			return nil, Done
		}

		if it.currentLoc < len(it.response.Results) {
			queryResultBytes := it.response.Results[it.currentLoc]
			it.currentLoc++
			if err := proto.Unmarshal(queryResultBytes.ResultBytes, record); err != nil {
				it.handler.logger.Errorf("[%s] Failed to decode query results: %+v", shorttxid(it.txid), err)
				return nil, errors.Wrap(err, "error unmarshaling result from bytes")
			}
			for _, fn := range it.onItem {
				fn(record)
			}
			return record, nil
		}

		if !it.response.HasMore {
			it.done = true
			for _, fn := range it.onDone {
				fn()
			}
			return nil, Done
		}

		response, err := it.handler.handleQueryStateNext(it.response.Id, it.channelID, it.txid)
		if err != nil {
			it.handler.logger.Errorf("[%s] Failed to fetch next results: %+v", shorttxid(it.txid), err)
			return nil, err
		}
		it.response = response
		it.currentLoc = 0
	}
}

// forEach drains the iterator into fn and closes it whatever happens.
func (it *commonIterator) forEach(next func() (proto.Message, error), fn func(proto.Message) error) (err error) {
	defer func() {
		if closeErr := it.Close(); err == nil {
			err = closeErr
		}
	}()

	for {
		record, nextErr := next()
		if nextErr == Done {
			return nil
		}
		if nextErr != nil {
			return nextErr
		}
		if fnErr := fn(record); fnErr != nil {
			if fnErr == ErrStopIteration {
				return nil
			}
			return fnErr
		}
	}
}

// StateQueryIterator iterates over the key/value records of a range or rich
// query.
type StateQueryIterator struct {
	*commonIterator
}

func (it *StateQueryIterator) Next() (*queryresult.KV, error) {
	result, err := it.nextResult(&queryresult.KV{})
	if err != nil {
		return nil, err
	}
	return result.(*queryresult.KV), nil
}

func (it *StateQueryIterator) ForEach(fn func(*queryresult.KV) error) error {
	return it.forEach(
		func() (proto.Message, error) { return it.Next() },
		func(m proto.Message) error { return fn(m.(*queryresult.KV)) },
	)
}

// HistoryQueryIterator iterates over the modifications of a key.
type HistoryQueryIterator struct {
	*commonIterator
}

func (it *HistoryQueryIterator) Next() (*queryresult.KeyModification, error) {
	result, err := it.nextResult(&queryresult.KeyModification{})
	if err != nil {
		return nil, err
	}
	return result.(*queryresult.KeyModification), nil
}

func (it *HistoryQueryIterator) ForEach(fn func(*queryresult.KeyModification) error) error {
	return it.forEach(
		func() (proto.Message, error) { return it.Next() },
		func(m proto.Message) error { return fn(m.(*queryresult.KeyModification)) },
	)
}
