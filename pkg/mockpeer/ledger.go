package mockpeer

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"sync"

	"github.com/GwanWingYan/fabric-protos-go/ledger/queryresult"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
)

// Ledger is the world state the mock peer serves requests from. Writes are
// applied as soon as they are received. Collection "" is the public state.
type Ledger struct {
	mutex    sync.RWMutex
	state    map[string]map[string][]byte
	metadata map[string]map[string]map[string][]byte
	history  map[string][]*queryresult.KeyModification
}

func NewLedger() *Ledger {
	return &Ledger{
		state:    map[string]map[string][]byte{},
		metadata: map[string]map[string]map[string][]byte{},
		history:  map[string][]*queryresult.KeyModification{},
	}
}

func (l *Ledger) Get(collection, key string) []byte {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.state[collection][key]
}

// GetHash returns the sha256 of a private value, nil when it is missing.
func (l *Ledger) GetHash(collection, key string) []byte {
	value := l.Get(collection, key)
	if value == nil {
		return nil
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

func (l *Ledger) Put(collection, key string, value []byte, txid string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state[collection] == nil {
		l.state[collection] = map[string][]byte{}
	}
	l.state[collection][key] = value
	if collection == "" {
		l.record(key, txid, value, false)
	}
}

func (l *Ledger) Delete(collection, key string, txid string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	delete(l.state[collection], key)
	if collection == "" {
		l.record(key, txid, nil, true)
	}
}

func (l *Ledger) record(key, txid string, value []byte, isDelete bool) {
	l.history[key] = append(l.history[key], &queryresult.KeyModification{
		TxId:      txid,
		Value:     value,
		IsDelete:  isDelete,
		Timestamp: ptypes.TimestampNow(),
	})
}

func (l *Ledger) Metadata(collection, key string) map[string][]byte {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	md := map[string][]byte{}
	for k, v := range l.metadata[collection][key] {
		md[k] = v
	}
	return md
}

func (l *Ledger) PutMetadata(collection, key, metakey string, value []byte) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.metadata[collection] == nil {
		l.metadata[collection] = map[string]map[string][]byte{}
	}
	if l.metadata[collection][key] == nil {
		l.metadata[collection][key] = map[string][]byte{}
	}
	l.metadata[collection][key][metakey] = value
}

// History returns the modifications of key, oldest first.
func (l *Ledger) History(key string) []*queryresult.KeyModification {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return append([]*queryresult.KeyModification(nil), l.history[key]...)
}

// Range returns the records with startKey <= key < endKey in key order. An
// empty endKey is unbounded.
func (l *Ledger) Range(collection, startKey, endKey string) []*queryresult.KV {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var keys []string
	for k := range l.state[collection] {
		if k >= startKey && (endKey == "" || k < endKey) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	kvs := make([]*queryresult.KV, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, &queryresult.KV{Key: k, Value: l.state[collection][k]})
	}
	return kvs
}

// Query runs a rich query of the form {"selector": {"field": value, ...}}
// against JSON values. Records match when every selector field is equal.
func (l *Ledger) Query(collection, query string) ([]*queryresult.KV, error) {
	var q struct {
		Selector map[string]interface{} `json:"selector"`
	}
	if err := json.Unmarshal([]byte(query), &q); err != nil {
		return nil, errors.Wrapf(err, "invalid query %q", query)
	}

	var matches []*queryresult.KV
	for _, kv := range l.Range(collection, "", "") {
		var doc map[string]interface{}
		if json.Unmarshal(kv.Value, &doc) != nil {
			continue
		}
		if selects(q.Selector, doc) {
			matches = append(matches, kv)
		}
	}
	return matches, nil
}

func selects(selector, doc map[string]interface{}) bool {
	for field, want := range selector {
		got, ok := doc[field]
		if !ok {
			return false
		}
		wantBytes, _ := json.Marshal(want)
		gotBytes, _ := json.Marshal(got)
		if string(wantBytes) != string(gotBytes) {
			return false
		}
	}
	return true
}
