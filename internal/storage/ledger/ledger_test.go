package ledger

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/storage"
)

const (
	testKeyHex   = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testRegistry = "0x00000000000000000000000000000000000000aa"
)

type stubNonceSource struct {
	mu      sync.Mutex
	pending uint64
	latest  uint64
	fail    bool
	calls   int
}

func (s *stubNonceSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return 0, stdErrors.New("rpc unavailable")
	}
	return s.pending, nil
}

func (s *stubNonceSource) LatestNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, stdErrors.New("rpc unavailable")
	}
	return s.latest, nil
}

func TestNonceManagerConcurrentAcquisition(t *testing.T) {
	source := &stubNonceSource{pending: 7, latest: 5}
	manager := NewNonceManager(source, common.Address{}, 3, time.Millisecond)

	const n = 50
	results := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			nonce, err := manager.Next(context.Background())
			if err != nil {
				t.Errorf("next nonce: %v", err)
				return
			}
			results[idx] = nonce
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	if results[0] != 8 {
		t.Fatalf("expected first nonce max(pending,latest)+1=8, got %d", results[0])
	}
	for i := 1; i < n; i++ {
		if results[i] != results[i-1]+1 {
			t.Fatalf("nonces must be distinct and strictly increasing, got %v at %d", results[i], i)
		}
	}
}

func TestNonceManagerBoundedRetry(t *testing.T) {
	source := &stubNonceSource{fail: true}
	manager := NewNonceManager(source, common.Address{}, 3, time.Millisecond)

	_, err := manager.Next(context.Background())
	if err == nil {
		t.Fatal("expected error when source keeps failing")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNonceFailure {
		t.Fatalf("expected NONCE_FAILURE, got %s", xerrors.CodeOf(err))
	}
	if source.calls != 3 {
		t.Fatalf("expected 3 bounded attempts, got %d", source.calls)
	}
}

// stubChain 在内存中模拟桶注册表与桶合约，按 ABI 解码真实交易。
type stubChain struct {
	mu            sync.Mutex
	registryABI   abi.ABI
	bucketABI     abi.ABI
	registry      common.Address
	buckets       map[string]common.Address
	records       map[string][]byte
	nonce         uint64
	createCalls   int
	failSend      bool
	nextBucketSeq uint64
}

func newStubChain(t *testing.T) *stubChain {
	t.Helper()
	registryABI, err := abi.JSON(bytes.NewReader([]byte(registryABIJSON)))
	if err != nil {
		t.Fatalf("parse registry abi: %v", err)
	}
	bucketABI, err := abi.JSON(bytes.NewReader([]byte(bucketABIJSON)))
	if err != nil {
		t.Fatalf("parse bucket abi: %v", err)
	}
	return &stubChain{
		registryABI: registryABI,
		bucketABI:   bucketABI,
		registry:    common.HexToAddress(testRegistry),
		buckets:     make(map[string]common.Address),
		records:     make(map[string][]byte),
	}
}

func (s *stubChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *stubChain) LatestNonceAt(context.Context, common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *stubChain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (s *stubChain) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return stdErrors.New("node rejected transaction")
	}
	s.nonce = tx.Nonce()
	data := tx.Data()
	if len(data) < 4 {
		return stdErrors.New("malformed calldata")
	}
	if tx.To() != nil && *tx.To() == s.registry {
		method, err := s.registryABI.MethodById(data[:4])
		if err != nil {
			return err
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		if method.Name == "createBucket" {
			alias := args[0].(string)
			s.createCalls++
			s.nextBucketSeq++
			s.buckets[alias] = common.BigToAddress(big.NewInt(int64(0xb0 + s.nextBucketSeq)))
		}
		return nil
	}
	method, err := s.bucketABI.MethodById(data[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return err
	}
	if method.Name == "put" {
		key := args[0].(string)
		value := args[1].([]byte)
		s.records[key] = append([]byte(nil), value...)
	}
	return nil
}

func (s *stubChain) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := msg.Data
	if msg.To != nil && *msg.To == s.registry {
		method, err := s.registryABI.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return nil, err
		}
		alias := args[0].(string)
		return method.Outputs.Pack(s.buckets[alias])
	}
	method, err := s.bucketABI.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "get":
		key := args[0].(string)
		return method.Outputs.Pack(s.records[key])
	case "keysOf":
		prefix := args[0].(string)
		keys := make([]string, 0)
		for key := range s.records {
			if len(prefix) == 0 || (len(key) >= len(prefix) && key[:len(prefix)] == prefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		return method.Outputs.Pack(keys)
	}
	return nil, fmt.Errorf("unexpected call %s", method.Name)
}

func newTestLedger(t *testing.T, chain *stubChain) *Ledger {
	t.Helper()
	ledger, err := NewWithBackend(context.Background(), chain, Config{
		RegistryAddress: testRegistry,
		PrivateKeyHex:   testKeyHex,
		BucketAlias:     "agentmesh-test",
		NonceRetries:    2,
		BucketRetries:   2,
		RetryDelay:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestLedgerStoreRetrieveRoundTrip(t *testing.T) {
	chain := newStubChain(t)
	ledger := newTestLedger(t, chain)
	ctx := context.Background()

	rec := storage.Record{
		Key:  storage.TaskKey("t1"),
		Data: []byte(`{"status":"pending"}`),
		Metadata: map[string]string{
			storage.MetaAgent: "observer",
			storage.MetaType:  "task",
		},
	}
	if err := ledger.Store(ctx, rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := ledger.Retrieve(ctx, rec.Key)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Fatalf("data mismatch: %s", got.Data)
	}
	if got.Meta(storage.MetaAgent) != "observer" || got.Meta(storage.MetaType) != "task" {
		t.Fatalf("metadata not preserved: %+v", got.Metadata)
	}
	if chain.createCalls != 1 {
		t.Fatalf("bucket should be created exactly once, got %d", chain.createCalls)
	}
}

func TestLedgerBucketResolutionIsCached(t *testing.T) {
	chain := newStubChain(t)
	ledger := newTestLedger(t, chain)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := storage.Record{
			Key:      storage.LogKey(fmt.Sprintf("l%d", i)),
			Data:     []byte("x"),
			Metadata: map[string]string{storage.MetaType: "log"},
		}
		if err := ledger.Store(ctx, rec); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}
	if chain.createCalls != 1 {
		t.Fatalf("expected single bucket creation, got %d", chain.createCalls)
	}
}

func TestLedgerRejectsTypeClobber(t *testing.T) {
	chain := newStubChain(t)
	ledger := newTestLedger(t, chain)
	ctx := context.Background()

	first := storage.Record{
		Key:      storage.TaskKey("t1"),
		Data:     []byte("a"),
		Metadata: map[string]string{storage.MetaType: "task"},
	}
	if err := ledger.Store(ctx, first); err != nil {
		t.Fatalf("store: %v", err)
	}

	conflicting := storage.Record{
		Key:      storage.TaskKey("t1"),
		Data:     []byte("b"),
		Metadata: map[string]string{storage.MetaType: "log"},
	}
	if err := ledger.Store(ctx, conflicting); !stdErrors.Is(err, storage.ErrTypeMismatch) {
		t.Fatalf("expected type mismatch error, got %v", err)
	}

	overwrite := storage.Record{
		Key:      storage.TaskKey("t1"),
		Data:     []byte("c"),
		Metadata: map[string]string{storage.MetaType: "log", storage.MetaOverwrite: "true"},
	}
	if err := ledger.Store(ctx, overwrite); err != nil {
		t.Fatalf("overwrite store: %v", err)
	}
}

func TestLedgerSearchFiltersMetadata(t *testing.T) {
	chain := newStubChain(t)
	ledger := newTestLedger(t, chain)
	ctx := context.Background()

	for i, agent := range []string{"observer", "hedera", "observer"} {
		rec := storage.Record{
			Key:  storage.LogKey(fmt.Sprintf("l%d", i)),
			Data: []byte("entry"),
			Metadata: map[string]string{
				storage.MetaType:  "log",
				storage.MetaAgent: agent,
			},
		}
		if err := ledger.Store(ctx, rec); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	results, err := ledger.Search(ctx, storage.Query{
		Prefix:   storage.KeyPrefixLog,
		Metadata: map[string]string{storage.MetaAgent: "observer"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 observer records, got %d", len(results))
	}
}
