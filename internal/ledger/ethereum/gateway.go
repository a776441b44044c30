package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM backed ledger gateway.
// The trade-event log contract is expected to be deployed ahead of time;
// the escrow token contract is deployed on demand from the configured
// artifact (ABI JSON plus creation bytecode).
type Config struct {
	Name          string
	RPCURL        string
	TopicAddress  string
	TokenABI      string
	TokenBytecode []byte
	Treasury      string
}

// tradeLogABI is the minimal interface of the on-chain event log contract.
const tradeLogABI = `[
  {"type":"function","name":"logEvent","stateMutability":"nonpayable",
   "inputs":[{"name":"tradeId","type":"string"},{"name":"partyId","type":"string"},
             {"name":"eventType","type":"string"},{"name":"payload","type":"string"}],
   "outputs":[]},
  {"type":"event","name":"TradeEvent","anonymous":false,
   "inputs":[{"name":"tradeId","type":"string","indexed":false},
             {"name":"partyId","type":"string","indexed":false},
             {"name":"eventType","type":"string","indexed":false},
             {"name":"payload","type":"string","indexed":false}]}
]`

// Gateway implements ledger.Gateway against an EVM compatible chain.
type Gateway struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   bind.ContractBackend
	auth      *bind.TransactOpts
	topicAddr common.Address
	topicABI  abi.ABI
	topic     *bind.BoundContract
	tokenABI  string
	tokenBin  []byte
	treasury  common.Address

	mu     sync.Mutex
	dedupe map[string]string
	tokens map[ledger.TokenRef]*bind.BoundContract
}

// NewGateway dials the configured RPC endpoint and binds the log contract.
func NewGateway(ctx context.Context, cfg Config, auth *bind.TransactOpts) (*Gateway, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if auth == nil {
		return nil, errors.New("未提供交易签名器")
	}
	topicAddr := strings.TrimSpace(cfg.TopicAddress)
	if topicAddr == "" {
		return nil, errors.New("未配置交易日志合约地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(tradeLogABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析日志合约 ABI 失败: %w", err)
	}

	addr := common.HexToAddress(topicAddr)
	g := &Gateway{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		auth:      auth,
		topicAddr: addr,
		topicABI:  parsed,
		topic:     bind.NewBoundContract(addr, parsed, eth, eth, eth),
		tokenABI:  cfg.TokenABI,
		tokenBin:  cfg.TokenBytecode,
		treasury:  common.HexToAddress(strings.TrimSpace(cfg.Treasury)),
		dedupe:    make(map[string]string),
		tokens:    make(map[ledger.TokenRef]*bind.BoundContract),
	}
	return g, nil
}

// AppendEvent submits the event to the log contract. Replays with a known
// DedupeKey return the original transaction hash without a second submission.
func (g *Gateway) AppendEvent(ctx context.Context, event ledger.Event) (string, error) {
	if event.Type == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}

	if event.DedupeKey != "" {
		g.mu.Lock()
		if ref, ok := g.dedupe[event.DedupeKey]; ok {
			g.mu.Unlock()
			return ref, nil
		}
		g.mu.Unlock()
	}

	opts := g.transactOpts(ctx)
	tx, err := g.topic.Transact(opts, "logEvent",
		event.TradeID, event.PartyID, string(event.Type), string(event.Payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "提交日志交易失败")
	}

	ref := tx.Hash().Hex()
	if event.DedupeKey != "" {
		g.mu.Lock()
		g.dedupe[event.DedupeKey] = ref
		g.mu.Unlock()
	}
	return ref, nil
}

// CreateEscrowToken deploys the escrow token contract from the configured
// artifact and remembers the bound instance for later transfers.
func (g *Gateway) CreateEscrowToken(ctx context.Context, name, symbol string, decimals uint8) (ledger.TokenRef, error) {
	if strings.TrimSpace(g.tokenABI) == "" || len(g.tokenBin) == 0 {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置托管代币合约工件")
	}

	parsed, err := abi.JSON(strings.NewReader(g.tokenABI))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerRejected, err, "解析代币合约 ABI 失败")
	}

	opts := g.transactOpts(ctx)
	addr, _, bound, err := bind.DeployContract(opts, parsed, g.tokenBin, g.backend, name, symbol, decimals, g.treasury)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "部署托管代币合约失败")
	}

	ref := ledger.TokenRef(addr.Hex())
	g.mu.Lock()
	g.tokens[ref] = bound
	g.mu.Unlock()
	return ref, nil
}

// Transfer calls the token contract's transfer method.
func (g *Gateway) Transfer(ctx context.Context, token ledger.TokenRef, amount int64, destination string) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}

	bound := g.tokenContract(token)
	if bound == nil {
		return "", xerrors.New(xerrors.CodeLedgerRejected, fmt.Sprintf("未知的代币引用: %s", token))
	}

	opts := g.transactOpts(ctx)
	tx, err := bound.Transact(opts, "transfer", common.HexToAddress(destination), big.NewInt(amount))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient") {
			return "", xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "托管余额不足")
		}
		return "", xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "提交转账交易失败")
	}
	return tx.Hash().Hex(), nil
}

// Events reads TradeEvent logs from the log contract and applies the filter.
func (g *Gateway) Events(ctx context.Context, filter ledger.Filter) ([]ledger.Record, error) {
	query := gethcore.FilterQuery{Addresses: []common.Address{g.topicAddr}}
	logs, err := g.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerUnavailable, err, "查询链上日志失败")
	}

	results := make([]ledger.Record, 0, len(logs))
	for _, lg := range logs {
		var decoded struct {
			TradeId   string
			PartyId   string
			EventType string
			Payload   string
		}
		if err := g.topic.UnpackLog(&decoded, "TradeEvent", lg); err != nil {
			continue
		}
		rec := ledger.Record{
			Ref:       lg.TxHash.Hex(),
			Topic:     g.topicAddr.Hex(),
			Type:      ledger.EventType(decoded.EventType),
			TradeID:   decoded.TradeId,
			PartyID:   decoded.PartyId,
			Payload:   json.RawMessage(decoded.Payload),
			Timestamp: time.Now().UTC(),
		}
		if ledger.MatchesFilter(rec, filter) {
			results = append(results, rec)
		}
	}
	return results, nil
}

// Close releases the RPC connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.eth != nil {
		g.eth.Close()
		g.eth = nil
	}
	if g.rpcClient != nil {
		g.rpcClient.Close()
		g.rpcClient = nil
	}
}

func (g *Gateway) tokenContract(token ledger.TokenRef) *bind.BoundContract {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bound, ok := g.tokens[token]; ok {
		return bound
	}
	// 重启后恢复已部署代币的绑定。
	addr := common.HexToAddress(string(token))
	if addr == (common.Address{}) {
		return nil
	}
	parsed, err := abi.JSON(strings.NewReader(g.tokenABI))
	if err != nil {
		return nil
	}
	bound := bind.NewBoundContract(addr, parsed, g.backend, g.backend, g.backend)
	g.tokens[token] = bound
	return bound
}

func (g *Gateway) transactOpts(ctx context.Context) *bind.TransactOpts {
	opts := *g.auth
	opts.Context = ctx
	return &opts
}

// ensure interface compliance at compile time
var _ ledger.Gateway = (*Gateway)(nil)
