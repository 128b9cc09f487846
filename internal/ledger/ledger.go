package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DailySpend 表示某个自然日（UTC）的手续费支出。
type DailySpend struct {
	TradingDate   string `json:"trading_date"`
	SpentLamports uint64 `json:"spent_lamports"`
	TxCount       int    `json:"tx_count"`
}

// Ledger 维护日度手续费账本。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 创建账本并初始化表结构。
func New(db *sql.DB, logger *zap.Logger) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		db:     db,
		logger: logger,
	}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS fee_daily_spend (
			trading_date TEXT PRIMARY KEY,
			spent_lamports INTEGER NOT NULL DEFAULT 0,
			tx_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fee_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			signature TEXT NOT NULL UNIQUE,
			fee_lamports INTEGER NOT NULL,
			trading_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fee_activity_date ON fee_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Record 记录一笔已落地交易的手续费。同一签名只入账一次。
func (l *Ledger) Record(ctx context.Context, ts time.Time, signature string, fee uint64) (err error) {
	if signature == "" {
		return errors.New("ledger: signature 不能为空")
	}
	if fee > math.MaxInt64 {
		return fmt.Errorf("ledger: 手续费超出范围: %d", fee)
	}

	tradingDate := tradingDay(ts)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO fee_activity_log (occurred_at, signature, fee_lamports, trading_date)
		 VALUES (?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339), signature, int64(fee), tradingDate,
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入手续费明细失败: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: 读取写入结果失败: %w", err)
	}
	if inserted == 0 {
		l.logger.Debug("手续费已入账，忽略重复记录", zap.String("signature", signature))
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fee_daily_spend (trading_date, spent_lamports, tx_count, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			spent_lamports = spent_lamports + excluded.spent_lamports,
			tx_count = tx_count + 1,
			updated_at = excluded.updated_at`,
		tradingDate, int64(fee), now,
	)
	if err != nil {
		return fmt.Errorf("ledger: 更新日度支出失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ledger: 提交事务失败: %w", err)
	}

	l.logger.Info("手续费已入账",
		zap.String("trading_date", tradingDate),
		zap.String("signature", signature),
		zap.Uint64("fee_lamports", fee),
	)
	return nil
}

// Spent 返回 ts 所在自然日的累计支出。
func (l *Ledger) Spent(ctx context.Context, ts time.Time) (DailySpend, error) {
	result := DailySpend{TradingDate: tradingDay(ts)}

	var spent int64
	row := l.db.QueryRowContext(ctx,
		`SELECT spent_lamports, tx_count FROM fee_daily_spend WHERE trading_date = ?`, result.TradingDate)
	switch err := row.Scan(&spent, &result.TxCount); {
	case err == nil:
		result.SpentLamports = uint64(spent)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return result, fmt.Errorf("ledger: 查询日度支出失败: %w", err)
	}
	return result, nil
}

// Remaining 返回当日剩余预算，超支时为 0。
func (l *Ledger) Remaining(ctx context.Context, ts time.Time, budget uint64) (uint64, error) {
	spend, err := l.Spent(ctx, ts)
	if err != nil {
		return 0, err
	}
	if spend.SpentLamports >= budget {
		l.logger.Warn("日度手续费预算已用尽",
			zap.String("trading_date", spend.TradingDate),
			zap.Uint64("spent_lamports", spend.SpentLamports),
			zap.Uint64("budget_lamports", budget),
		)
		return 0, nil
	}
	return budget - spend.SpentLamports, nil
}

func tradingDay(ts time.Time) string {
	utc := ts.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
