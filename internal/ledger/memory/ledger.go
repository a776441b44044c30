package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"
)

// Ledger 以内存方式实现账本网关，主要用于测试与单机运行。
// 事件日志只追加不修改，DedupeKey 索引保证重复追加的幂等性。
type Ledger struct {
	mu       sync.RWMutex
	records  []ledger.Record
	dedupe   map[string]string
	balances map[ledger.TokenRef]int64
	tokenSeq int
	eventSeq int
	txSeq    int
}

// 内存账本中托管账户的初始供应量（最小币值单位）。
const initialSupply int64 = 100_000_000

// New 创建内存账本。
func New() *Ledger {
	return &Ledger{
		dedupe:   make(map[string]string),
		balances: make(map[ledger.TokenRef]int64),
	}
}

// AppendEvent 追加事件。相同 DedupeKey 的重复调用返回首次写入的引用。
func (l *Ledger) AppendEvent(_ context.Context, event ledger.Event) (string, error) {
	if event.Type == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.DedupeKey != "" {
		if ref, ok := l.dedupe[event.DedupeKey]; ok {
			return ref, nil
		}
	}

	l.eventSeq++
	rec := ledger.Record{
		Ref:       fmt.Sprintf("0.0.%d@%d", l.eventSeq, time.Now().UnixNano()),
		Topic:     event.Topic,
		Type:      event.Type,
		TradeID:   event.TradeID,
		PartyID:   event.PartyID,
		Payload:   append([]byte(nil), event.Payload...),
		Timestamp: time.Now().UTC(),
	}
	l.records = append(l.records, rec)
	if event.DedupeKey != "" {
		l.dedupe[event.DedupeKey] = rec.Ref
	}
	return rec.Ref, nil
}

// CreateEscrowToken 创建托管代币并为其记入初始供应量。
func (l *Ledger) CreateEscrowToken(_ context.Context, name, symbol string, decimals uint8) (ledger.TokenRef, error) {
	if name == "" || symbol == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "代币名称与符号不能为空")
	}
	_ = decimals

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokenSeq++
	ref := ledger.TokenRef(fmt.Sprintf("token-%s-%d", symbol, l.tokenSeq))
	l.balances[ref] = initialSupply
	return ref, nil
}

// Transfer 从托管账户扣减余额。余额不足时拒绝，不产生部分转账。
func (l *Ledger) Transfer(_ context.Context, token ledger.TokenRef, amount int64, destination string) (string, error) {
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	if destination == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账目标不能为空")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[token]
	if !ok {
		return "", xerrors.New(xerrors.CodeLedgerRejected, fmt.Sprintf("未知的代币引用: %s", token))
	}
	if balance < amount {
		return "", xerrors.New(xerrors.CodeInsufficientFunds,
			fmt.Sprintf("托管余额不足: 需要 %d，剩余 %d", amount, balance))
	}

	l.balances[token] = balance - amount
	l.txSeq++
	return fmt.Sprintf("%s@%d.%d", token, time.Now().Unix(), l.txSeq), nil
}

// Events 按写入顺序返回命中条件的事件。
func (l *Ledger) Events(_ context.Context, filter ledger.Filter) ([]ledger.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]ledger.Record, 0, len(l.records))
	for _, rec := range l.records {
		if ledger.MatchesFilter(rec, filter) {
			clone := rec
			clone.Payload = append([]byte(nil), rec.Payload...)
			results = append(results, clone)
		}
	}
	return results, nil
}

// Balance 返回代币当前余额，供测试断言使用。
func (l *Ledger) Balance(token ledger.TokenRef) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[token]
}

// Close 对内存账本无需操作。
func (l *Ledger) Close() {}

// ensure interface compliance at compile time
var _ ledger.Gateway = (*Ledger)(nil)
