package sample

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/GwanWingYan/ccshim/pkg/shim"
	"github.com/GwanWingYan/fabric-chaincode-go/pkg/statebased"
	"github.com/GwanWingYan/fabric-protos-go/ledger/queryresult"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	"github.com/golang/protobuf/ptypes"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	assetObjectType = "asset"
	colorIndex      = "color~name"

	// EventAssetCreated is set on every successful create.
	EventAssetCreated = "AssetCreated"

	// TransientAssetKey names the transient entry putPrivate stores.
	TransientAssetKey = "asset"
)

type Asset struct {
	ObjectType string `json:"docType"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Size       int    `json:"size"`
	Owner      string `json:"owner"`
}

// Record is one entry of a range or query result.
type Record struct {
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record"`
}

// Page is a paginated result.
type Page struct {
	Records  []Record `json:"records"`
	Fetched  int32    `json:"fetchedRecordsCount"`
	Bookmark string   `json:"bookmark"`
}

// Modification is one entry of an asset's history.
type Modification struct {
	TxID      string          `json:"txId"`
	Timestamp string          `json:"timestamp"`
	IsDelete  bool            `json:"isDelete"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// AssetChaincode is an asset registry keyed by name with a color index.
type AssetChaincode struct {
	logger *log.Logger
}

func NewAssetChaincode(logger *log.Logger) *AssetChaincode {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &AssetChaincode{logger: logger}
}

func (t *AssetChaincode) Init(stub shim.ChaincodeStubInterface) pb.Response {
	t.logger.Debugf("[%s] Init on channel %s", stub.GetTxID(), stub.GetChannelID())
	return shim.Success(nil)
}

func (t *AssetChaincode) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	function, args := stub.GetFunctionAndParameters()
	t.logger.Debugf("[%s] Invoke %s", stub.GetTxID(), function)

	var (
		payload []byte
		err     error
	)
	switch function {
	case "create":
		payload, err = t.create(stub, args)
	case "read":
		payload, err = t.read(stub, args)
	case "delete":
		payload, err = t.delete(stub, args)
	case "transfer":
		payload, err = t.transfer(stub, args)
	case "byColor":
		payload, err = t.byColor(stub, args)
	case "range":
		payload, err = t.rangeAssets(stub, args)
	case "query":
		payload, err = t.query(stub, args)
	case "history":
		payload, err = t.history(stub, args)
	case "setPolicy":
		payload, err = t.setPolicy(stub, args)
	case "putPrivate":
		payload, err = t.putPrivate(stub, args)
	case "readPrivateHash":
		payload, err = t.readPrivateHash(stub, args)
	case "callOther":
		return t.callOther(stub, args)
	default:
		err = errors.Errorf("unknown function %q", function)
	}

	if err != nil {
		t.logger.Debugf("[%s] %s failed: %s", stub.GetTxID(), function, err)
		return shim.Error(err.Error())
	}
	return shim.Success(payload)
}

func expectArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return errors.Errorf("incorrect number of arguments, expecting %d: %s", n, usage)
	}
	return nil
}

func (t *AssetChaincode) getAsset(stub shim.ChaincodeStubInterface, name string) (*Asset, error) {
	raw, err := stub.GetState(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get asset %s", name)
	}
	if raw == nil {
		return nil, errors.Errorf("asset %s does not exist", name)
	}
	asset := &Asset{}
	if err = json.Unmarshal(raw, asset); err != nil {
		return nil, errors.Wrapf(err, "asset %s is corrupt", name)
	}
	return asset, nil
}

func (t *AssetChaincode) putAsset(stub shim.ChaincodeStubInterface, asset *Asset) ([]byte, error) {
	raw, err := json.Marshal(asset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal asset")
	}
	if err = stub.PutState(asset.Name, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// assetFromArgs reads either name color size owner, or a single JSON asset.
func assetFromArgs(stub shim.ChaincodeStubInterface, args []string) (*Asset, error) {
	if len(args) == 1 {
		asset := &Asset{}
		// parsed args start with the function name
		if err := stub.GetParsedArgs()[1].Decode(asset); err != nil {
			return nil, errors.WithMessage(err, "single argument must be a JSON asset")
		}
		if asset.Name == "" {
			return nil, errors.New("asset name must not be empty")
		}
		asset.ObjectType = assetObjectType
		return asset, nil
	}

	if err := expectArgs(args, 4, "name color size owner, or a JSON asset"); err != nil {
		return nil, err
	}
	size, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, errors.Errorf("size must be a numeric string, got %q", args[2])
	}
	return &Asset{ObjectType: assetObjectType, Name: args[0], Color: args[1], Size: size, Owner: args[3]}, nil
}

// create name color size owner | create assetJSON
func (t *AssetChaincode) create(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	asset, err := assetFromArgs(stub, args)
	if err != nil {
		return nil, err
	}
	name, color := asset.Name, asset.Color

	existing, err := stub.GetState(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Errorf("asset %s already exists", name)
	}

	raw, err := t.putAsset(stub, asset)
	if err != nil {
		return nil, err
	}

	indexKey, err := stub.CreateCompositeKey(colorIndex, []string{color, name})
	if err != nil {
		return nil, err
	}
	// The index entry carries no value; the key alone is the reference.
	if err = stub.PutState(indexKey, []byte{0x00}); err != nil {
		return nil, err
	}

	if err = stub.SetEvent(EventAssetCreated, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// read name
func (t *AssetChaincode) read(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 1, "name"); err != nil {
		return nil, err
	}
	raw, err := stub.GetState(args[0])
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Errorf("asset %s does not exist", args[0])
	}
	return raw, nil
}

// delete name
func (t *AssetChaincode) delete(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 1, "name"); err != nil {
		return nil, err
	}
	asset, err := t.getAsset(stub, args[0])
	if err != nil {
		return nil, err
	}
	if err = stub.DelState(asset.Name); err != nil {
		return nil, err
	}

	indexKey, err := stub.CreateCompositeKey(colorIndex, []string{asset.Color, asset.Name})
	if err != nil {
		return nil, err
	}
	return nil, stub.DelState(indexKey)
}

// transfer name newOwner
func (t *AssetChaincode) transfer(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 2, "name newOwner"); err != nil {
		return nil, err
	}
	asset, err := t.getAsset(stub, args[0])
	if err != nil {
		return nil, err
	}
	asset.Owner = args[1]
	return t.putAsset(stub, asset)
}

// byColor color, returns the names indexed under color.
func (t *AssetChaincode) byColor(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 1, "color"); err != nil {
		return nil, err
	}
	it, err := stub.GetStateByPartialCompositeKey(colorIndex, []string{args[0]})
	if err != nil {
		return nil, err
	}

	names := []string{}
	err = it.ForEach(func(kv *queryresult.KV) error {
		_, attrs, err := stub.SplitCompositeKey(kv.Key)
		if err != nil {
			return err
		}
		names = append(names, attrs[1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(names)
}

func pageArgs(pageSize, bookmark string) (int32, string, error) {
	size, err := strconv.ParseInt(pageSize, 10, 32)
	if err != nil {
		return 0, "", errors.Errorf("page size must be a numeric string, got %q", pageSize)
	}
	return int32(size), bookmark, nil
}

func collectPage(it shim.StateQueryIteratorInterface, md *pb.QueryResponseMetadata) ([]byte, error) {
	page := &Page{Records: []Record{}, Fetched: md.FetchedRecordsCount, Bookmark: md.Bookmark}
	err := it.ForEach(func(kv *queryresult.KV) error {
		page.Records = append(page.Records, Record{Key: kv.Key, Record: json.RawMessage(kv.Value)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(page)
}

// range startKey endKey pageSize bookmark
func (t *AssetChaincode) rangeAssets(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 4, "startKey endKey pageSize bookmark"); err != nil {
		return nil, err
	}
	pageSize, bookmark, err := pageArgs(args[2], args[3])
	if err != nil {
		return nil, err
	}
	it, md, err := stub.GetStateByRangeWithPagination(args[0], args[1], pageSize, bookmark)
	if err != nil {
		return nil, err
	}
	return collectPage(it, md)
}

// query queryString pageSize bookmark
func (t *AssetChaincode) query(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 3, "queryString pageSize bookmark"); err != nil {
		return nil, err
	}
	pageSize, bookmark, err := pageArgs(args[1], args[2])
	if err != nil {
		return nil, err
	}
	it, md, err := stub.GetQueryResultWithPagination(args[0], pageSize, bookmark)
	if err != nil {
		return nil, err
	}
	return collectPage(it, md)
}

// history name
func (t *AssetChaincode) history(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 1, "name"); err != nil {
		return nil, err
	}
	it, err := stub.GetHistoryForKey(args[0])
	if err != nil {
		return nil, err
	}

	mods := []Modification{}
	err = it.ForEach(func(km *queryresult.KeyModification) error {
		mod := Modification{TxID: km.TxId, IsDelete: km.IsDelete}
		if km.Timestamp != nil {
			ts, err := ptypes.Timestamp(km.Timestamp)
			if err != nil {
				return errors.Wrap(err, "invalid history timestamp")
			}
			mod.Timestamp = ts.UTC().String()
		}
		if !km.IsDelete {
			mod.Value = json.RawMessage(km.Value)
		}
		mods = append(mods, mod)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(mods)
}

// setPolicy name org..., requires an endorsement from each org's peers to
// change the asset. Returns the orgs now in the policy.
func (t *AssetChaincode) setPolicy(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, errors.New("incorrect number of arguments, expecting at least 2: name org...")
	}
	name := args[0]
	if _, err := t.getAsset(stub, name); err != nil {
		return nil, err
	}

	current, err := stub.GetStateValidationParameter(name)
	if err != nil {
		return nil, err
	}
	ep, err := statebased.NewStateEP(current)
	if err != nil {
		return nil, errors.WithMessage(err, "existing validation parameter is invalid")
	}
	if err = ep.AddOrgs(statebased.RoleTypePeer, args[1:]...); err != nil {
		return nil, err
	}
	policy, err := ep.Policy()
	if err != nil {
		return nil, err
	}
	if err = stub.SetStateValidationParameter(name, policy); err != nil {
		return nil, err
	}

	orgs := ep.ListOrgs()
	sort.Strings(orgs)
	return json.Marshal(orgs)
}

// putPrivate collection name, value taken from the transient map.
func (t *AssetChaincode) putPrivate(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 2, "collection name"); err != nil {
		return nil, err
	}
	transient, err := stub.GetTransient()
	if err != nil {
		return nil, err
	}
	value, ok := transient[TransientAssetKey]
	if !ok || len(value) == 0 {
		return nil, errors.Errorf("transient map has no %q entry", TransientAssetKey)
	}
	return nil, stub.PutPrivateData(args[0], args[1], value)
}

// readPrivateHash collection name, returns the hex encoded value hash.
func (t *AssetChaincode) readPrivateHash(stub shim.ChaincodeStubInterface, args []string) ([]byte, error) {
	if err := expectArgs(args, 2, "collection name"); err != nil {
		return nil, err
	}
	hash, err := stub.GetPrivateDataHash(args[0], args[1])
	if err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, errors.Errorf("private asset %s does not exist in %s", args[1], args[0])
	}
	return []byte(hex.EncodeToString(hash)), nil
}

// callOther chaincode channel arg..., relays the callee's response.
func (t *AssetChaincode) callOther(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) < 2 {
		return shim.Error("incorrect number of arguments, expecting at least 2: chaincode channel arg...")
	}
	ccArgs := make([][]byte, 0, len(args)-2)
	for _, arg := range args[2:] {
		ccArgs = append(ccArgs, []byte(arg))
	}
	return stub.InvokeChaincode(args[0], ccArgs, args[1])
}
