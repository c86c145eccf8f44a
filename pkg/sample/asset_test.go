package sample_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/GwanWingYan/ccshim/pkg/mockpeer"
	"github.com/GwanWingYan/ccshim/pkg/sample"
	"github.com/GwanWingYan/ccshim/pkg/shim"
	pb "github.com/GwanWingYan/fabric-protos-go/peer"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("AssetChaincode", func() {
	var n *network

	BeforeEach(func() {
		n = startNetwork(mockpeer.WithBatchSize(2))
	})

	AfterEach(func() {
		n.stop()
	})

	readAsset := func(name string) sample.Asset {
		res := n.invoke("read", name)
		asset := sample.Asset{}
		Expect(json.Unmarshal(res.Payload, &asset)).To(Succeed())
		return asset
	}

	createAssets := func() {
		n.invoke("create", "asset1", "blue", "5", "tom")
		n.invoke("create", "asset2", "red", "10", "jerry")
		n.invoke("create", "asset3", "blue", "15", "tom")
	}

	Context("create and read", func() {
		It("stores the asset and emits an event", func() {
			msg := n.invokeWith(nil, "create", "asset1", "blue", "5", "tom")
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_COMPLETED))
			Expect(msg.ChaincodeEvent).NotTo(BeNil())
			Expect(msg.ChaincodeEvent.EventName).To(Equal(sample.EventAssetCreated))

			Expect(readAsset("asset1")).To(Equal(sample.Asset{
				ObjectType: "asset", Name: "asset1", Color: "blue", Size: 5, Owner: "tom",
			}))
			Expect(msg.ChaincodeEvent.Payload).To(MatchJSON(n.peer.Ledger().Get("", "asset1")))
		})

		It("accepts a JSON asset", func() {
			msg := n.invokeWith(nil, "create", `{"name":"asset7","color":"green","size":3,"owner":"ann"}`)
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_COMPLETED), string(msg.Payload))

			Expect(readAsset("asset7")).To(Equal(sample.Asset{
				ObjectType: "asset", Name: "asset7", Color: "green", Size: 3, Owner: "ann",
			}))
			res := n.invoke("byColor", "green")
			Expect(res.Payload).To(MatchJSON(`["asset7"]`))
		})

		It("writes the color index", func() {
			n.invoke("create", "asset1", "blue", "5", "tom")

			key, err := shim.CreateCompositeKey("color~name", []string{"blue", "asset1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.peer.Ledger().Get("", key)).To(Equal([]byte{0x00}))
		})

		It("refuses duplicates and bad input", func() {
			n.invoke("create", "asset1", "blue", "5", "tom")

			Expect(n.invokeErr("create", "asset1", "red", "1", "jerry")).To(Equal("asset asset1 already exists"))
			Expect(n.invokeErr("create", "asset9", "red", "big", "jerry")).To(ContainSubstring("size must be a numeric string"))
			Expect(n.invokeErr("create", "asset9", "red")).To(ContainSubstring("incorrect number of arguments, expecting 4"))
			Expect(n.invokeErr("create", "asset9")).To(ContainSubstring("single argument must be a JSON asset"))
			Expect(n.invokeErr("create", `{"color":"red"}`)).To(Equal("asset name must not be empty"))
			Expect(n.invokeErr("read", "missing")).To(Equal("asset missing does not exist"))
			Expect(n.invokeErr("nope")).To(Equal(`unknown function "nope"`))
		})
	})

	Context("transfer and delete", func() {
		BeforeEach(createAssets)

		It("changes the owner", func() {
			n.invoke("transfer", "asset2", "tom")
			Expect(readAsset("asset2").Owner).To(Equal("tom"))
		})

		It("removes the asset and its index entry", func() {
			n.invoke("delete", "asset1")
			Expect(n.invokeErr("read", "asset1")).To(ContainSubstring("does not exist"))

			res := n.invoke("byColor", "blue")
			Expect(res.Payload).To(MatchJSON(`["asset3"]`))
		})
	})

	Context("queries", func() {
		BeforeEach(createAssets)

		It("finds assets by color", func() {
			res := n.invoke("byColor", "blue")
			Expect(res.Payload).To(MatchJSON(`["asset1","asset3"]`))

			res = n.invoke("byColor", "green")
			Expect(res.Payload).To(MatchJSON(`[]`))
			Expect(n.peer.OpenCursors()).To(Equal(0))
		})

		It("pages through a range", func() {
			page := sample.Page{}
			res := n.invoke("range", "", "", "2", "")
			Expect(json.Unmarshal(res.Payload, &page)).To(Succeed())
			Expect(page.Fetched).To(Equal(int32(2)))
			Expect(page.Bookmark).To(Equal("asset3"))
			Expect(page.Records).To(HaveLen(2))
			Expect(page.Records[0].Key).To(Equal("asset1"))
			Expect(page.Records[1].Key).To(Equal("asset2"))

			page = sample.Page{}
			res = n.invoke("range", "", "", "2", "asset3")
			Expect(json.Unmarshal(res.Payload, &page)).To(Succeed())
			Expect(page.Records).To(HaveLen(1))
			Expect(page.Records[0].Key).To(Equal("asset3"))
			Expect(page.Bookmark).To(BeEmpty())
			Expect(n.peer.OpenCursors()).To(Equal(0))
		})

		It("runs a rich query", func() {
			page := sample.Page{}
			res := n.invoke("query", `{"selector":{"owner":"tom"}}`, "10", "")
			Expect(json.Unmarshal(res.Payload, &page)).To(Succeed())
			Expect(page.Fetched).To(Equal(int32(2)))
			Expect(page.Records).To(HaveLen(2))
			Expect(page.Records[0].Key).To(Equal("asset1"))
			Expect(page.Records[1].Key).To(Equal("asset3"))

			Expect(n.invokeErr("query", "{", "10", "")).To(ContainSubstring("invalid query"))
			Expect(n.invokeErr("query", "{}", "ten", "")).To(ContainSubstring("page size must be a numeric string"))
		})

		It("lists the history of an asset", func() {
			n.invoke("transfer", "asset1", "jerry")
			n.invoke("delete", "asset1")

			mods := []sample.Modification{}
			res := n.invoke("history", "asset1")
			Expect(json.Unmarshal(res.Payload, &mods)).To(Succeed())

			Expect(mods).To(HaveLen(3))
			Expect(mods[0].TxID).To(Equal("tx1"))
			Expect(mods[0].Timestamp).NotTo(BeEmpty())
			Expect(mods[1].Value).To(MatchJSON(`{"docType":"asset","name":"asset1","color":"blue","size":5,"owner":"jerry"}`))
			Expect(mods[2].IsDelete).To(BeTrue())
			Expect(mods[2].Value).To(BeEmpty())
		})
	})

	Context("endorsement policy", func() {
		BeforeEach(createAssets)

		It("accumulates orgs in the key level policy", func() {
			res := n.invoke("setPolicy", "asset1", "Org2MSP", "Org1MSP")
			Expect(res.Payload).To(MatchJSON(`["Org1MSP","Org2MSP"]`))

			md := n.peer.Ledger().Metadata("", "asset1")
			Expect(md).To(HaveKey(pb.MetaDataKeys_VALIDATION_PARAMETER.String()))

			res = n.invoke("setPolicy", "asset1", "Org3MSP")
			Expect(res.Payload).To(MatchJSON(`["Org1MSP","Org2MSP","Org3MSP"]`))
		})

		It("needs an existing asset", func() {
			Expect(n.invokeErr("setPolicy", "missing", "Org1MSP")).To(ContainSubstring("does not exist"))
		})
	})

	Context("private data", func() {
		var identity *mockpeer.Identity

		BeforeEach(func() {
			var err error
			identity, err = mockpeer.NewIdentity("Org1MSP")
			Expect(err).NotTo(HaveOccurred())
		})

		It("stores the transient value and reads back its hash", func() {
			value := []byte(`{"appraisal":100}`)
			element, err := mockpeer.NewSignedProposal(identity, "mychannel", "assetcc",
				[][]byte{[]byte("putPrivate"), []byte("secrets"), []byte("asset1")},
				map[string][]byte{sample.TransientAssetKey: value})
			Expect(err).NotTo(HaveOccurred())

			msg := n.invokeWith(element.SignedProp, "putPrivate", "secrets", "asset1")
			Expect(msg.Type).To(Equal(pb.ChaincodeMessage_COMPLETED), string(msg.Payload))
			Expect(n.peer.Ledger().Get("secrets", "asset1")).To(Equal(value))

			sum := sha256.Sum256(value)
			res := n.invoke("readPrivateHash", "secrets", "asset1")
			Expect(string(res.Payload)).To(Equal(hex.EncodeToString(sum[:])))
		})

		It("needs the transient entry", func() {
			Expect(n.invokeErr("putPrivate", "secrets", "asset1")).To(ContainSubstring("transient map has no"))
			Expect(n.invokeErr("readPrivateHash", "secrets", "asset1")).To(ContainSubstring("does not exist"))
		})
	})

	Context("cross chaincode", func() {
		It("relays the callee's response", func() {
			n.peer.RegisterChaincode("echo", func(args [][]byte) pb.Response {
				return shim.Success(args[0])
			})

			res := n.invoke("callOther", "echo", "", "hello")
			Expect(res.Payload).To(Equal([]byte("hello")))
		})

		It("fails for an unknown chaincode", func() {
			Expect(n.invokeErr("callOther", "missing", "mychannel", "hello")).To(ContainSubstring("chaincode missing not found"))
		})
	})

	It("answers init", func() {
		msg, err := n.peer.Init("mychannel", "init1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(pb.ChaincodeMessage_COMPLETED))
	})
})
