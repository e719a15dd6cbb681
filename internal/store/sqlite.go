package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tushaar82/velox-engine/internal/domain"
)

// SQLiteStore 订单/成交/仓位的审计存储。
// 业务不变量由应用层保证，这里只是把状态落成行，便于审计与重启后查账。
// 实现 ports.OrderStore / ports.TradeStore / ports.PositionStore。
type SQLiteStore struct {
	db *sql.DB
}

// Open 打开审计库并建表
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB 暴露底层连接（symbol 映射表同库部署用）
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close 关闭审计库
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  strategy_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  kind TEXT NOT NULL,
  limit_price REAL,
  stop_price REAL,
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  filled_quantity INTEGER NOT NULL DEFAULT 0,
  avg_fill_price REAL NOT NULL DEFAULT 0,
  stop_triggered INTEGER NOT NULL DEFAULT 0,
  external_order_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, mode);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  price REAL NOT NULL,
  commission REAL NOT NULL,
  mode TEXT NOT NULL,
  executed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);`,
		`
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  strategy_id TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity INTEGER NOT NULL,
  entry_price REAL NOT NULL,
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  current_price REAL NOT NULL DEFAULT 0,
  unrealized_pnl REAL NOT NULL DEFAULT 0,
  realized_pnl REAL NOT NULL DEFAULT 0,
  ts_enabled INTEGER NOT NULL DEFAULT 0,
  ts_percent REAL NOT NULL DEFAULT 0,
  ts_stop_price REAL NOT NULL DEFAULT 0,
  ts_watermark REAL NOT NULL DEFAULT 0,
  ts_triggered INTEGER NOT NULL DEFAULT 0,
  opened_at TEXT NOT NULL,
  closed_at TEXT,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, mode);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder 插入订单行
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id,account_id,strategy_id,symbol,side,quantity,kind,limit_price,stop_price,mode,status,
  filled_quantity,avg_fill_price,stop_triggered,external_order_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, o.ID, o.AccountID, o.StrategyID, o.Symbol, o.Side, o.Quantity, o.Kind,
		nullable(o.LimitPrice), nullable(o.StopPrice), o.Mode, o.Status,
		o.FilledQuantity, o.AvgFillPrice, boolInt(o.StopTriggered), o.ExternalOrderID,
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// UpdateOrder 更新订单行（状态/成交信息）
func (s *SQLiteStore) UpdateOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE orders SET status=?, filled_quantity=?, avg_fill_price=?, stop_triggered=?, external_order_id=?, updated_at=?
WHERE id=?
`, o.Status, o.FilledQuantity, o.AvgFillPrice, boolInt(o.StopTriggered), o.ExternalOrderID,
		o.UpdatedAt.Format(time.RFC3339Nano), o.ID)
	return err
}

// SaveTrade 插入成交行（成交不可变，只有插入）
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id,order_id,account_id,symbol,side,quantity,price,commission,mode,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.OrderID, t.AccountID, t.Symbol, t.Side, t.Quantity, t.Price, t.Commission, t.Mode,
		t.ExecutedAt.Format(time.RFC3339Nano))
	return err
}

// SavePosition 插入仓位行
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (id,account_id,strategy_id,symbol,side,quantity,entry_price,mode,status,
  current_price,unrealized_pnl,realized_pnl,
  ts_enabled,ts_percent,ts_stop_price,ts_watermark,ts_triggered,
  opened_at,closed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, positionArgs(p)...)
	return err
}

// UpdatePosition 更新仓位行
func (s *SQLiteStore) UpdatePosition(ctx context.Context, p *domain.Position) error {
	ts := p.TrailingStop
	if ts == nil {
		ts = &domain.TrailingStop{}
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE positions SET quantity=?, entry_price=?, status=?, current_price=?, unrealized_pnl=?, realized_pnl=?,
  ts_enabled=?, ts_percent=?, ts_stop_price=?, ts_watermark=?, ts_triggered=?, closed_at=?, updated_at=?
WHERE id=?
`, p.Quantity, p.EntryPrice, p.Status, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL,
		boolInt(ts.Enabled), ts.Percent, ts.StopPrice, ts.Watermark, boolInt(ts.Triggered),
		nullableTime(p.ClosedAt), p.UpdatedAt.Format(time.RFC3339Nano), p.ID)
	return err
}

func positionArgs(p *domain.Position) []any {
	ts := p.TrailingStop
	if ts == nil {
		ts = &domain.TrailingStop{}
	}
	return []any{
		p.ID, p.AccountID, p.StrategyID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Mode, p.Status,
		p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL,
		boolInt(ts.Enabled), ts.Percent, ts.StopPrice, ts.Watermark, boolInt(ts.Triggered),
		p.OpenedAt.Format(time.RFC3339Nano), nullableTime(p.ClosedAt), p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
