package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crypto-trading-engine/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// Repository exposes the persistence operations the engine blocks need.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// WithTx runs fn inside a transaction, committing on nil error.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const botColumns = `id, user_id, name, status, initial_capital, capital, total_pnl,
	model_name, decision_mode, symbols, risk_params_json, paper_trading, created_at, updated_at`

func scanBot(row pgx.Row) (*models.Bot, error) {
	var bot models.Bot
	var riskJSON []byte
	err := row.Scan(
		&bot.ID, &bot.UserID, &bot.Name, &bot.Status,
		&bot.InitialCapital, &bot.Capital, &bot.TotalPnL,
		&bot.ModelName, &bot.DecisionMode, &bot.Symbols,
		&riskJSON, &bot.PaperTrading, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot: %w", err)
	}
	if len(riskJSON) > 0 {
		if err := json.Unmarshal(riskJSON, &bot.Risk); err != nil {
			return nil, fmt.Errorf("unmarshal risk params: %w", err)
		}
	}
	bot.Risk = bot.Risk.Normalize()
	return &bot, nil
}

// GetBot loads a bot by id with a fresh read.
func (r *Repository) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

// GetBotForUpdate locks the bot row inside tx for the rest of the
// transaction, preventing lost updates from concurrent writers.
func (r *Repository) GetBotForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Bot, error) {
	row := tx.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1 FOR UPDATE`, id)
	return scanBot(row)
}

// ListActiveBots returns all bots in active status.
func (r *Repository) ListActiveBots(ctx context.Context) ([]*models.Bot, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+botColumns+` FROM bots WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query active bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// CreateBot inserts a new bot row.
func (r *Repository) CreateBot(ctx context.Context, bot *models.Bot) error {
	riskJSON, err := json.Marshal(bot.Risk)
	if err != nil {
		return fmt.Errorf("marshal risk params: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO bots (id, user_id, name, status, initial_capital, capital, total_pnl,
			model_name, decision_mode, symbols, risk_params_json, paper_trading, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		bot.ID, bot.UserID, bot.Name, bot.Status, bot.InitialCapital, bot.Capital,
		bot.TotalPnL, bot.ModelName, bot.DecisionMode, bot.Symbols, riskJSON,
		bot.PaperTrading, bot.CreatedAt, bot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bot: %w", err)
	}
	return nil
}

// UpdateBotStatus transitions a bot's lifecycle state.
func (r *Repository) UpdateBotStatus(ctx context.Context, id string, status models.BotStatus) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	return nil
}

// UpdateBotDecisionMode rebinds a bot's decision block tag.
func (r *Repository) UpdateBotDecisionMode(ctx context.Context, id string, mode models.DecisionMode) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET decision_mode = $2, updated_at = NOW() WHERE id = $1`, id, mode)
	if err != nil {
		return fmt.Errorf("update decision mode: %w", err)
	}
	return nil
}

// UpdateBotCapitalTx adjusts capital and total_pnl inside a transaction.
func (r *Repository) UpdateBotCapitalTx(ctx context.Context, tx pgx.Tx, id string, capital, totalPnL decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE bots SET capital = $2, total_pnl = $3, updated_at = NOW() WHERE id = $1`,
		id, capital, totalPnL)
	if err != nil {
		return fmt.Errorf("update bot capital: %w", err)
	}
	return nil
}

const positionColumns = `id, bot_id, symbol, side, quantity, entry_price, current_price,
	stop_loss, take_profit, realized_pnl, status, opened_at, closed_at, close_reason`

func scanPosition(row pgx.Row) (*models.Position, error) {
	var p models.Position
	var closeReason *string
	err := row.Scan(
		&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.Quantity, &p.EntryPrice,
		&p.CurrentPrice, &p.StopLoss, &p.TakeProfit, &p.RealizedPnL,
		&p.Status, &p.OpenedAt, &p.ClosedAt, &closeReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if closeReason != nil {
		p.CloseReason = models.CloseReason(*closeReason)
	}
	return &p, nil
}

// ListOpenPositions returns open and close-pending positions for a bot.
func (r *Repository) ListOpenPositions(ctx context.Context, botID string) ([]*models.Position, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE bot_id = $1 AND status IN ('open', 'close_pending') ORDER BY opened_at`, botID)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPositionForUpdate locks a position row inside tx.
func (r *Repository) GetPositionForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Position, error) {
	row := tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, id)
	return scanPosition(row)
}

// CreatePositionTx inserts a new open position inside a transaction.
func (r *Repository) CreatePositionTx(ctx context.Context, tx pgx.Tx, p *models.Position) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO positions (id, bot_id, symbol, side, quantity, entry_price, current_price,
			stop_loss, take_profit, realized_pnl, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.BotID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice,
		p.StopLoss, p.TakeProfit, p.RealizedPnL, p.Status, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// ClosePositionTx marks a position closed with its reason and final P&L.
func (r *Repository) ClosePositionTx(ctx context.Context, tx pgx.Tx, id string, exitPrice, realizedPnL decimal.Decimal, reason models.CloseReason, closedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE positions
		SET status = 'closed', current_price = $2, realized_pnl = $3,
		    close_reason = $4, closed_at = $5
		WHERE id = $1`,
		id, exitPrice, realizedPnL, string(reason), closedAt)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// MarkClosePending flags a position whose exchange close failed; the
// monitor retries it on subsequent cycles.
func (r *Repository) MarkClosePending(ctx context.Context, id string, lastPrice decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET status = 'close_pending', current_price = $2 WHERE id = $1`,
		id, lastPrice)
	if err != nil {
		return fmt.Errorf("mark close pending: %w", err)
	}
	return nil
}

// UpdatePositionPrice persists the refreshed mark price.
func (r *Repository) UpdatePositionPrice(ctx context.Context, id string, price decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET current_price = $2 WHERE id = $1 AND status != 'closed'`,
		id, price)
	if err != nil {
		return fmt.Errorf("update position price: %w", err)
	}
	return nil
}

// CreateTradeTx inserts a fill record inside a transaction.
func (r *Repository) CreateTradeTx(ctx context.Context, tx pgx.Tx, t *models.Trade) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trades (id, bot_id, position_id, symbol, side, quantity, price, fees, realized_pnl, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.BotID, t.PositionID, t.Symbol, t.Side, t.Quantity, t.Price,
		t.Fees, t.RealizedPnL, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// CountEntryTradesToday counts today's UTC entries (realized_pnl = 0).
// Exits are never rate-limited.
func (r *Repository) CountEntryTradesToday(ctx context.Context, botID string, now time.Time) (int, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE bot_id = $1 AND realized_pnl = 0 AND executed_at >= $2`,
		botID, dayStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count entry trades: %w", err)
	}
	return count, nil
}

// SumRealizedPnLToday sums today's UTC exit P&L.
func (r *Repository) SumRealizedPnLToday(ctx context.Context, botID string, now time.Time) (decimal.Decimal, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var sum decimal.Decimal
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE bot_id = $1 AND executed_at >= $2`,
		botID, dayStart).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum, nil
}

// CreateLLMDecision stores an audit row for one provider call.
func (r *Repository) CreateLLMDecision(ctx context.Context, d *models.LLMDecision) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO llm_decisions (id, bot_id, symbol, prompt_hash, response, tokens_in, tokens_out, cost, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.BotID, d.Symbol, d.PromptHash, d.Response,
		d.TokensIn, d.TokensOut, d.Cost, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert llm decision: %w", err)
	}
	return nil
}

// CreateCycleRecord persists one cycle outcome.
func (r *Repository) CreateCycleRecord(ctx context.Context, c *models.CycleRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO engine_cycles (id, bot_id, mode, started_at, duration_ms, signals_evaluated, entries, exits, error_tag)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.BotID, c.Mode, c.StartedAt, c.Duration.Milliseconds(),
		c.SignalsEvaluated, c.Entries, c.Exits, c.ErrorTag,
	)
	if err != nil {
		return fmt.Errorf("insert cycle record: %w", err)
	}
	return nil
}
