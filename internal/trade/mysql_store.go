package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录交易状态。生命周期子结构以 JSON
// 列存储，整条记录在服务层的每交易互斥锁下整体替换。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS trade_states (
        id VARCHAR(64) PRIMARY KEY,
        producer_id VARCHAR(64) NOT NULL,
        crop VARCHAR(64) NOT NULL,
        quantity_kg DOUBLE NOT NULL,
        location VARCHAR(255) NOT NULL,
        status VARCHAR(32) NOT NULL,
        offer TEXT,
        escrow TEXT,
        delivery TEXT,
        decision TEXT,
        payout TEXT,
        event_refs TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_trade_status (status),
        INDEX idx_trade_producer (producer_id),
        INDEX idx_trade_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 trade_states 表失败")
	}
	return nil
}

// Create 插入新的交易记录。
func (s *MySQLStore) Create(ctx context.Context, trade *Trade) error {
	if trade == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if strings.TrimSpace(trade.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	if trade.CreatedAt == 0 {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now

	cols, err := marshalSubstructures(trade)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO trade_states
        (id, producer_id, crop, quantity_kg, location, status, offer, escrow, delivery, decision, payout, event_refs, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		trade.ID,
		trade.ProducerID,
		trade.Crop,
		trade.QuantityKG,
		trade.Location,
		trade.Status,
		cols.offer,
		cols.escrow,
		cols.delivery,
		cols.decision,
		cols.payout,
		cols.eventRefs,
		trade.CreatedAt,
		trade.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTradeConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}
	return nil
}

// Get 查询指定交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Trade, error) {
	const stmt = `SELECT id, producer_id, crop, quantity_kg, location, status,
        offer, escrow, delivery, decision, payout, event_refs, created_at, updated_at
        FROM trade_states WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	trade, err := scanTrade(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

// Update 整条替换已存在的交易记录。
func (s *MySQLStore) Update(ctx context.Context, trade *Trade) error {
	if trade == nil || strings.TrimSpace(trade.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	trade.UpdatedAt = time.Now().Unix()

	cols, err := marshalSubstructures(trade)
	if err != nil {
		return err
	}

	const stmt = `UPDATE trade_states SET status = ?, offer = ?, escrow = ?, delivery = ?,
        decision = ?, payout = ?, event_refs = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		trade.Status,
		cols.offer,
		cols.escrow,
		cols.delivery,
		cols.decision,
		cols.payout,
		cols.eventRefs,
		trade.UpdatedAt,
		trade.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, trade.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 返回符合过滤条件的交易。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Trade, error) {
	opts.applyDefaults()

	query := `SELECT id, producer_id, crop, quantity_kg, location, status,
        offer, escrow, delivery, decision, payout, event_refs, created_at, updated_at FROM trade_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	trades := make([]*Trade, 0, opts.Limit)
	for rows.Next() {
		trade, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return trades, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TradeStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS accepted,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending_review,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed_autonomous,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM trade_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusAccepted),
		string(StatusPendingReview),
		string(StatusCompleted),
		string(StatusCompletedAutonomous),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TradeStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Accepted,
		&stats.PendingReview,
		&stats.Completed,
		&stats.CompletedAutonomous,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TradeStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type substructureColumns struct {
	offer     sql.NullString
	escrow    sql.NullString
	delivery  sql.NullString
	decision  sql.NullString
	payout    sql.NullString
	eventRefs sql.NullString
}

func marshalSubstructures(trade *Trade) (substructureColumns, error) {
	var cols substructureColumns
	var err error
	if cols.offer, err = marshalColumn(trade.Offer); err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 offer 失败")
	}
	if cols.escrow, err = marshalColumn(trade.Escrow); err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 escrow 失败")
	}
	if cols.delivery, err = marshalColumn(trade.Delivery); err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 delivery 失败")
	}
	if cols.decision, err = marshalColumn(trade.Decision); err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 decision 失败")
	}
	if cols.payout, err = marshalColumn(trade.Payout); err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 payout 失败")
	}
	if len(trade.EventRefs) > 0 {
		bytes, err := json.Marshal(trade.EventRefs)
		if err != nil {
			return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 event_refs 失败")
		}
		cols.eventRefs = sql.NullString{String: string(bytes), Valid: true}
	}
	return cols, nil
}

func marshalColumn[T any](value *T) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func scanTrade(scan func(dest ...any) error) (*Trade, error) {
	var trade Trade
	var cols substructureColumns
	if err := scan(
		&trade.ID,
		&trade.ProducerID,
		&trade.Crop,
		&trade.QuantityKG,
		&trade.Location,
		&trade.Status,
		&cols.offer,
		&cols.escrow,
		&cols.delivery,
		&cols.decision,
		&cols.payout,
		&cols.eventRefs,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}

	if err := unmarshalColumn(cols.offer, &trade.Offer); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(cols.escrow, &trade.Escrow); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(cols.delivery, &trade.Delivery); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(cols.decision, &trade.Decision); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(cols.payout, &trade.Payout); err != nil {
		return nil, err
	}
	if cols.eventRefs.Valid && strings.TrimSpace(cols.eventRefs.String) != "" {
		if err := json.Unmarshal([]byte(cols.eventRefs.String), &trade.EventRefs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 event_refs 失败")
		}
	}
	return &trade, nil
}

func unmarshalColumn[T any](raw sql.NullString, target **T) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	value := new(T)
	if err := json.Unmarshal([]byte(raw.String), value); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易子结构失败")
	}
	*target = value
	return nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.ProducerID != "" {
		conditions = append(conditions, "producer_id = ?")
		args = append(args, opts.ProducerID)
	}
	if opts.Crop != "" {
		conditions = append(conditions, "crop = ?")
		args = append(args, opts.Crop)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
