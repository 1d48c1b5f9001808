package ledger

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/storage"
)

// 桶注册表与桶合约的调用界面。写入走带 nonce 的交易，读取走 view 调用。
const (
	registryABIJSON = `[
		{"name":"resolve","type":"function","stateMutability":"view","inputs":[{"name":"alias","type":"string"}],"outputs":[{"name":"","type":"address"}]},
		{"name":"createBucket","type":"function","stateMutability":"nonpayable","inputs":[{"name":"alias","type":"string"}],"outputs":[]}
	]`
	bucketABIJSON = `[
		{"name":"put","type":"function","stateMutability":"nonpayable","inputs":[{"name":"key","type":"string"},{"name":"value","type":"bytes"}],"outputs":[]},
		{"name":"get","type":"function","stateMutability":"view","inputs":[{"name":"key","type":"string"}],"outputs":[{"name":"","type":"bytes"}]},
		{"name":"keysOf","type":"function","stateMutability":"view","inputs":[{"name":"prefix","type":"string"}],"outputs":[{"name":"","type":"string[]"}]}
	]`
)

// ChainBackend 汇集 Ledger 所需的链访问能力。*ethclient.Client 经由
// rpcBackend 适配后满足该接口，测试可以提供桩实现。
type ChainBackend interface {
	NonceSource
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config 描述构造账本后端所需的参数。
type Config struct {
	RPCURL          string
	RegistryAddress string
	PrivateKeyHex   string
	BucketAlias     string
	GasLimit        uint64
	NonceRetries    int
	BucketRetries   int
	RetryDelay      time.Duration
}

// Ledger 是主持久化后端：记录写入账本上的桶合约，每笔写入携带
// 严格递增的账户 nonce。
type Ledger struct {
	backend       ChainBackend
	registry      common.Address
	alias         string
	key           *ecdsa.PrivateKey
	account       common.Address
	signer        coretypes.Signer
	nonces        *NonceManager
	buckets       *bucketCache
	registryABI   abi.ABI
	bucketABI     abi.ABI
	gasLimit      uint64
	bucketRetries int
	retryDelay    time.Duration
	closeFn       func()
}

// New 连接 RPC 节点并构造账本后端。
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置账本 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接账本节点失败")
	}
	ledger, err := NewWithBackend(ctx, &rpcBackend{eth: eth}, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	ledger.closeFn = eth.Close
	return ledger, nil
}

// NewWithBackend 基于给定链后端构造账本，供测试注入桩实现。
func NewWithBackend(ctx context.Context, backend ChainBackend, cfg Config) (*Ledger, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链后端不能为空")
	}
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "桶注册表地址不合法")
	}
	alias := strings.TrimSpace(cfg.BucketAlias)
	if alias == "" {
		alias = "agentmesh"
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析写入账户私钥失败")
	}
	account := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取链 ID 失败")
	}

	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitFailure, err, "解析注册表 ABI 失败")
	}
	bucketABI, err := abi.JSON(strings.NewReader(bucketABIJSON))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitFailure, err, "解析桶 ABI 失败")
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 500_000
	}
	bucketRetries := cfg.BucketRetries
	if bucketRetries <= 0 {
		bucketRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &Ledger{
		backend:       backend,
		registry:      common.HexToAddress(cfg.RegistryAddress),
		alias:         alias,
		key:           key,
		account:       account,
		signer:        coretypes.LatestSignerForChainID(chainID),
		nonces:        NewNonceManager(backend, account, cfg.NonceRetries, retryDelay),
		buckets:       newBucketCache(),
		registryABI:   registryABI,
		bucketABI:     bucketABI,
		gasLimit:      gasLimit,
		bucketRetries: bucketRetries,
		retryDelay:    retryDelay,
	}, nil
}

// Store 实现 storage.Backend：将记录写入桶合约。
func (l *Ledger) Store(ctx context.Context, rec storage.Record) error {
	bucket, err := l.resolveBucket(ctx, l.alias)
	if err != nil {
		return err
	}

	if !rec.Overwrite() {
		existing, err := l.Retrieve(ctx, rec.Key)
		switch {
		case err == nil:
			if err := storage.CheckTypeConflict(&existing, rec); err != nil {
				return err
			}
		case stdErrors.Is(err, storage.ErrRecordNotFound):
			// 键尚无记录，直接写入。
		default:
			return err
		}
	}

	encoded, err := rec.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记录失败")
	}
	payload, err := l.bucketABI.Pack("put", rec.Key, encoded)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码 put 调用失败")
	}
	if err := l.sendNonced(ctx, bucket, payload); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账本写入失败")
	}
	return nil
}

// Retrieve 实现 storage.Backend：从桶合约读取记录。
func (l *Ledger) Retrieve(ctx context.Context, key string) (storage.Record, error) {
	bucket, err := l.resolveBucket(ctx, l.alias)
	if err != nil {
		return storage.Record{}, err
	}
	payload, err := l.bucketABI.Pack("get", key)
	if err != nil {
		return storage.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码 get 调用失败")
	}
	raw, err := l.call(ctx, bucket, payload)
	if err != nil {
		return storage.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本记录失败")
	}
	out, err := l.bucketABI.Unpack("get", raw)
	if err != nil {
		return storage.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 get 返回值失败")
	}
	if len(out) == 0 {
		return storage.Record{}, storage.ErrRecordNotFound
	}
	data, ok := out[0].([]byte)
	if !ok || len(data) == 0 {
		return storage.Record{}, storage.ErrRecordNotFound
	}
	return storage.DecodeRecord(data)
}

// Search 实现 storage.Backend：按键前缀查询并在客户端过滤 metadata。
func (l *Ledger) Search(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	bucket, err := l.resolveBucket(ctx, l.alias)
	if err != nil {
		return nil, err
	}
	payload, err := l.bucketABI.Pack("keysOf", q.Prefix)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码 keysOf 调用失败")
	}
	raw, err := l.call(ctx, bucket, payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本键失败")
	}
	out, err := l.bucketABI.Unpack("keysOf", raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 keysOf 返回值失败")
	}
	if len(out) == 0 {
		return nil, nil
	}
	keys, ok := out[0].([]string)
	if !ok {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "keysOf 返回值类型异常")
	}

	results := make([]storage.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := l.Retrieve(ctx, key)
		if err != nil {
			if stdErrors.Is(err, storage.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if !q.Matches(rec) {
			continue
		}
		results = append(results, rec)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

// Close 释放底层连接。
func (l *Ledger) Close() error {
	if l != nil && l.closeFn != nil {
		l.closeFn()
	}
	return nil
}

// Account 返回写入账户地址。
func (l *Ledger) Account() common.Address { return l.account }

func (l *Ledger) sendNonced(ctx context.Context, to common.Address, payload []byte) error {
	nonce, err := l.nonces.Next(ctx)
	if err != nil {
		return err
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 gas 价格失败")
	}
	tx, err := coretypes.SignNewTx(l.key, l.signer, &coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     payload,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "签名交易失败")
	}
	return l.backend.SendTransaction(ctx, tx)
}

func (l *Ledger) call(ctx context.Context, to common.Address, payload []byte) ([]byte, error) {
	return l.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: payload}, nil)
}

// rpcBackend 将 *ethclient.Client 适配为 ChainBackend。
type rpcBackend struct {
	eth *ethclient.Client
}

func (b *rpcBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.eth.PendingNonceAt(ctx, account)
}

func (b *rpcBackend) LatestNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.eth.NonceAt(ctx, account, nil)
}

func (b *rpcBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return b.eth.SuggestGasPrice(ctx)
}

func (b *rpcBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	return b.eth.SendTransaction(ctx, tx)
}

func (b *rpcBackend) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return b.eth.CallContract(ctx, msg, blockNumber)
}

func (b *rpcBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.eth.ChainID(ctx)
}

var _ storage.Backend = (*Ledger)(nil)
