package symbols

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tushaar82/velox-engine/internal/ports"
	"github.com/tushaar82/velox-engine/pkg/cache"
)

// SQLiteMapper 标的映射表：标准 symbol -> venue 原生标识 + 合约参数。
// 映射表是低频读、极低频写的查表，前面挂一层 TTL 缓存。
// 实现 ports.SymbolMapper。
type SQLiteMapper struct {
	db    *sql.DB
	cache *cache.InMemoryCache[string, mappingRow]
}

type mappingRow struct {
	VenueSymbol string
	Exchange    string
	LotSize     int64
	TickSize    float64
}

// NewSQLiteMapper 打开映射库并建表
func NewSQLiteMapper(path string) (*SQLiteMapper, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	m := &SQLiteMapper{
		db:    db,
		cache: cache.New[string, mappingRow](5 * time.Minute),
	}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQLiteMapperFromDB 复用已打开的连接（审计库与映射表同库部署时用）
func NewSQLiteMapperFromDB(db *sql.DB) (*SQLiteMapper, error) {
	m := &SQLiteMapper{
		db:    db,
		cache: cache.New[string, mappingRow](5 * time.Minute),
	}
	if err := m.migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMapper) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS symbol_mappings (
  broker TEXT NOT NULL,
  symbol TEXT NOT NULL,
  venue_symbol TEXT NOT NULL,
  exchange TEXT NOT NULL DEFAULT '',
  lot_size INTEGER NOT NULL DEFAULT 1,
  tick_size REAL NOT NULL DEFAULT 0.05,
  PRIMARY KEY (broker, symbol)
);`)
	return err
}

// Upsert 写入/更新一条映射
func (m *SQLiteMapper) Upsert(ctx context.Context, broker, symbol, venueSymbol, exchange string, lotSize int64, tickSize float64) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO symbol_mappings (broker,symbol,venue_symbol,exchange,lot_size,tick_size)
VALUES (?,?,?,?,?,?)
ON CONFLICT(broker,symbol) DO UPDATE SET
  venue_symbol=excluded.venue_symbol,
  exchange=excluded.exchange,
  lot_size=excluded.lot_size,
  tick_size=excluded.tick_size
`, broker, symbol, venueSymbol, exchange, lotSize, tickSize)
	if err == nil {
		m.cache.Delete(cacheKey(broker, symbol))
	}
	return err
}

// GetVenueSymbol 返回 venue 原生标识；未映射返回 ("", false, nil)
func (m *SQLiteMapper) GetVenueSymbol(ctx context.Context, broker, symbol string) (string, bool, error) {
	row, found, err := m.lookup(ctx, broker, symbol)
	if err != nil || !found {
		return "", false, err
	}
	return row.VenueSymbol, true, nil
}

// GetMappingDetails 返回 venue 侧合约参数；未映射返回 MappingError 语义由调用方处理
func (m *SQLiteMapper) GetMappingDetails(ctx context.Context, broker, symbol string) (*ports.MappingDetails, error) {
	row, found, err := m.lookup(ctx, broker, symbol)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &ports.MappingDetails{
		Exchange: row.Exchange,
		LotSize:  row.LotSize,
		TickSize: row.TickSize,
	}, nil
}

func (m *SQLiteMapper) lookup(ctx context.Context, broker, symbol string) (mappingRow, bool, error) {
	key := cacheKey(broker, symbol)
	if row, ok := m.cache.Get(key); ok {
		return row, true, nil
	}
	var row mappingRow
	err := m.db.QueryRowContext(ctx, `
SELECT venue_symbol, exchange, lot_size, tick_size
FROM symbol_mappings WHERE broker=? AND symbol=?
`, broker, symbol).Scan(&row.VenueSymbol, &row.Exchange, &row.LotSize, &row.TickSize)
	if errors.Is(err, sql.ErrNoRows) {
		return mappingRow{}, false, nil
	}
	if err != nil {
		return mappingRow{}, false, err
	}
	m.cache.Set(key, row, 0)
	return row, true, nil
}

// Close 关闭映射库
func (m *SQLiteMapper) Close() error {
	return m.db.Close()
}

func cacheKey(broker, symbol string) string {
	return broker + ":" + symbol
}
