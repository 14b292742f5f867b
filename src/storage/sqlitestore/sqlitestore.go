// Package sqlitestore implements the storage ports on database/sql over
// SQLite. Schema lives in db/migrations.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// New wires every port to the given connection.
func New(db *sql.DB) *storage.Store {
	return &storage.Store{
		Transactions:  &TransactionStore{db: db},
		Positions:     &PositionStore{db: db},
		Strategies:    &StrategyStore{db: db},
		CashLedger:    &CashLedgerStore{db: db},
		ContractSpecs: &ContractSpecStore{db: db},
	}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// TransactionStore reads and writes the transactions table.
type TransactionStore struct {
	db *sql.DB
}

const txColumns = `id, user_id, import_id, asset_type, symbol,
	option_type, strike, expiration, is_opening,
	futures_code, contract_month,
	quantity, price, amount, fees, is_long, buy_sell, sub_type,
	activity_date, position_id, description`

func scanTransaction(scanner interface{ Scan(...any) error }) (*models.Transaction, error) {
	var tx models.Transaction
	var optionType, expiration, futuresCode, contractMonth sql.NullString
	var strike sql.NullFloat64
	var isOpening sql.NullBool
	var activityDate string
	var positionID sql.NullString

	err := scanner.Scan(
		&tx.ID, &tx.UserID, &tx.ImportID, &tx.AssetType, &tx.Symbol,
		&optionType, &strike, &expiration, &isOpening,
		&futuresCode, &contractMonth,
		&tx.Quantity, &tx.Price, &tx.Amount, &tx.Fees, &tx.IsLong, &tx.BuySell, &tx.SubType,
		&activityDate, &positionID, &tx.Description,
	)
	if err != nil {
		return nil, err
	}
	tx.ActivityDate = parseTime(activityDate)
	tx.PositionID = positionID.String
	if optionType.Valid {
		tx.Option = &models.OptionDetails{
			Type:      models.OptionType(optionType.String),
			Strike:    strike.Float64,
			IsOpening: isOpening.Bool,
		}
		if expiration.Valid {
			tx.Option.Expiration = parseTime(expiration.String)
		}
	}
	if futuresCode.Valid || contractMonth.Valid {
		tx.Futures = &models.FuturesDetails{
			InstrumentCode: futuresCode.String,
			ContractMonth:  contractMonth.String,
		}
	}
	return &tx, nil
}

func (s *TransactionStore) GetAll(ctx context.Context, userID int64, filter storage.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if filter.AssetType != nil {
		query += ` AND asset_type = ?`
		args = append(args, string(*filter.AssetType))
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ? COLLATE NOCASE`
		args = append(args, filter.Symbol)
	}
	if filter.ImportID != "" {
		query += ` AND import_id = ?`
		args = append(args, filter.ImportID)
	}
	if filter.Unmatched {
		query += ` AND (position_id IS NULL OR position_id = '')`
	}
	query += ` ORDER BY activity_date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction row: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *TransactionStore) GetByImportID(ctx context.Context, userID int64, importID string) ([]models.Transaction, error) {
	return s.GetAll(ctx, userID, storage.TransactionFilter{ImportID: importID})
}

func (s *TransactionStore) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *TransactionStore) SetPositionID(ctx context.Context, id, positionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET position_id = ? WHERE id = ?`, positionID, id)
	if err != nil {
		return fmt.Errorf("linking transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *TransactionStore) SetPositionIDs(ctx context.Context, ids []string, positionID string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE transactions SET position_id = ? WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, positionID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("linking %d transactions: %w", len(ids), err)
	}
	return nil
}

func (s *TransactionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PositionStore reads and writes the positions table. Opening/closing
// transaction id lists are stored as JSON text columns.
type PositionStore struct {
	db *sql.DB
}

const positionColumns = `id, user_id, asset_type, symbol,
	option_type, strike, expiration,
	futures_code, contract_month,
	side, opening_quantity, current_quantity, avg_opening_price,
	total_cost_basis, total_closing_amount, realized_pl, unrealized_pl,
	status, opening_tx_ids, closing_tx_ids, strategy_id, opened_at, closed_at`

func positionArgs(p *models.Position) []any {
	var optionType, expiration, futuresCode, contractMonth any
	var strike any
	if p.Option != nil {
		optionType = string(p.Option.Type)
		strike = p.Option.Strike
		expiration = formatTime(p.Option.Expiration)
	}
	if p.Futures != nil {
		futuresCode = p.Futures.InstrumentCode
		contractMonth = p.Futures.ContractMonth
	}
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = formatTime(*p.ClosedAt)
	}
	return []any{
		p.ID, p.UserID, string(p.AssetType), p.Symbol,
		optionType, strike, expiration,
		futuresCode, contractMonth,
		string(p.Side), p.OpeningQuantity, p.CurrentQuantity, p.AvgOpeningPrice,
		p.TotalCostBasis, p.TotalClosing, p.RealizedPL, p.UnrealizedPL,
		string(p.Status), marshalJSON(p.OpeningTxIDs), marshalJSON(p.ClosingTxIDs),
		p.StrategyID, formatTime(p.OpenedAt), closedAt,
	}
}

func scanPosition(scanner interface{ Scan(...any) error }) (*models.Position, error) {
	var p models.Position
	var optionType, expiration, futuresCode, contractMonth sql.NullString
	var strike sql.NullFloat64
	var openingIDs, closingIDs string
	var openedAt string
	var closedAt sql.NullString

	err := scanner.Scan(
		&p.ID, &p.UserID, &p.AssetType, &p.Symbol,
		&optionType, &strike, &expiration,
		&futuresCode, &contractMonth,
		&p.Side, &p.OpeningQuantity, &p.CurrentQuantity, &p.AvgOpeningPrice,
		&p.TotalCostBasis, &p.TotalClosing, &p.RealizedPL, &p.UnrealizedPL,
		&p.Status, &openingIDs, &closingIDs, &p.StrategyID, &openedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	if optionType.Valid {
		p.Option = &models.OptionDetails{
			Type:      models.OptionType(optionType.String),
			Strike:    strike.Float64,
			IsOpening: true,
		}
		if expiration.Valid {
			p.Option.Expiration = parseTime(expiration.String)
		}
	}
	if futuresCode.Valid || contractMonth.Valid {
		p.Futures = &models.FuturesDetails{
			InstrumentCode: futuresCode.String,
			ContractMonth:  contractMonth.String,
		}
	}
	json.Unmarshal([]byte(openingIDs), &p.OpeningTxIDs)
	json.Unmarshal([]byte(closingIDs), &p.ClosingTxIDs)
	p.OpenedAt = parseTime(openedAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		p.ClosedAt = &t
	}
	return &p, nil
}

func (s *PositionStore) Create(ctx context.Context, p *models.Position) error {
	query := `INSERT INTO positions (` + positionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, positionArgs(p)...); err != nil {
		return fmt.Errorf("inserting position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PositionStore) Update(ctx context.Context, p *models.Position) error {
	query := `UPDATE positions SET
		current_quantity = ?, opening_quantity = ?, avg_opening_price = ?,
		total_cost_basis = ?, total_closing_amount = ?, realized_pl = ?, unrealized_pl = ?,
		status = ?, opening_tx_ids = ?, closing_tx_ids = ?, strategy_id = ?, closed_at = ?
		WHERE id = ?`
	var closedAt any
	if p.ClosedAt != nil {
		closedAt = formatTime(*p.ClosedAt)
	}
	res, err := s.db.ExecContext(ctx, query,
		p.CurrentQuantity, p.OpeningQuantity, p.AvgOpeningPrice,
		p.TotalCostBasis, p.TotalClosing, p.RealizedPL, p.UnrealizedPL,
		string(p.Status), marshalJSON(p.OpeningTxIDs), marshalJSON(p.ClosingTxIDs),
		p.StrategyID, closedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) GetAll(ctx context.Context, userID int64, filter storage.PositionFilter) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ?`
	args := []any{userID}
	if filter.AssetType != nil {
		query += ` AND asset_type = ?`
		args = append(args, string(*filter.AssetType))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ? COLLATE NOCASE`
		args = append(args, filter.Symbol)
	}
	if filter.StrategyID != "" {
		query += ` AND strategy_id = ?`
		args = append(args, filter.StrategyID)
	}
	if filter.WithoutStrategy {
		query += ` AND (strategy_id IS NULL OR strategy_id = '')`
	}
	query += ` ORDER BY opened_at ASC, id ASC`
	return s.queryPositions(ctx, query, args...)
}

// FindOpenPositions returns open positions oldest first, which is the
// ordering the matcher's FIFO semantics rest on.
func (s *PositionStore) FindOpenPositions(ctx context.Context, q storage.OpenPositionQuery) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ? AND status = 'open' AND asset_type = ? AND symbol = ? COLLATE NOCASE AND side = ?`
	args := []any{q.UserID, string(q.AssetType), q.Symbol, string(q.Side)}
	if q.OptionType != nil {
		query += ` AND option_type = ?`
		args = append(args, string(*q.OptionType))
	}
	if q.Strike != nil {
		query += ` AND strike = ?`
		args = append(args, *q.Strike)
	}
	if q.Expiration != nil {
		query += ` AND expiration = ?`
		args = append(args, formatTime(*q.Expiration))
	}
	if q.ContractMonth != "" {
		query += ` AND contract_month = ?`
		args = append(args, q.ContractMonth)
	}
	query += ` ORDER BY opened_at ASC, id ASC`
	return s.queryPositions(ctx, query, args...)
}

func (s *PositionStore) FindByTransactionID(ctx context.Context, userID int64, txID string) ([]models.Position, error) {
	// The id lists are JSON arrays; EXISTS over json_each keeps this a
	// single query instead of loading every position.
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE user_id = ?
		  AND (EXISTS (SELECT 1 FROM json_each(positions.opening_tx_ids) WHERE json_each.value = ?)
		    OR EXISTS (SELECT 1 FROM json_each(positions.closing_tx_ids) WHERE json_each.value = ?))
		ORDER BY opened_at ASC, id ASC`
	return s.queryPositions(ctx, query, userID, txID, txID)
}

func (s *PositionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting position %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// StrategyStore reads and writes the strategies table. Leg snapshots are
// stored as a JSON text column.
type StrategyStore struct {
	db *sql.DB
}

const strategyColumns = `id, user_id, type, symbol, leg_count, direction, legs,
	total_opening_cost, total_closing_proceeds, realized_pl, unrealized_pl,
	status, opened_at, expiration, closed_at,
	original_strategy_id, adjusted_from_strategy_id`

func (s *StrategyStore) Create(ctx context.Context, st *models.Strategy) error {
	var expiration, closedAt any
	if st.Expiration != nil {
		expiration = formatTime(*st.Expiration)
	}
	if st.ClosedAt != nil {
		closedAt = formatTime(*st.ClosedAt)
	}
	query := `INSERT INTO strategies (` + strategyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		st.ID, st.UserID, string(st.Type), st.Symbol, st.LegCount, string(st.Direction), marshalJSON(st.Legs),
		st.TotalOpeningCost, st.TotalClosing, st.RealizedPL, st.UnrealizedPL,
		string(st.Status), formatTime(st.OpenedAt), expiration, closedAt,
		st.OriginalStrategyID, st.AdjustedFromStrategyID,
	)
	if err != nil {
		return fmt.Errorf("inserting strategy %s: %w", st.ID, err)
	}
	return nil
}

func (s *StrategyStore) Update(ctx context.Context, st *models.Strategy) error {
	var closedAt any
	if st.ClosedAt != nil {
		closedAt = formatTime(*st.ClosedAt)
	}
	query := `UPDATE strategies SET
		legs = ?, total_opening_cost = ?, total_closing_proceeds = ?,
		realized_pl = ?, unrealized_pl = ?, status = ?, closed_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		marshalJSON(st.Legs), st.TotalOpeningCost, st.TotalClosing,
		st.RealizedPL, st.UnrealizedPL, string(st.Status), closedAt, st.ID,
	)
	if err != nil {
		return fmt.Errorf("updating strategy %s: %w", st.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *StrategyStore) GetByID(ctx context.Context, id string) (*models.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading strategy %s: %w", id, err)
	}
	return st, nil
}

func (s *StrategyStore) GetAll(ctx context.Context, userID int64, filter storage.StrategyFilter) ([]models.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE user_id = ?`
	args := []any{userID}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ? COLLATE NOCASE`
		args = append(args, filter.Symbol)
	}
	query += ` ORDER BY opened_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying strategies for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []models.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning strategy row: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanStrategy(scanner interface{ Scan(...any) error }) (*models.Strategy, error) {
	var st models.Strategy
	var legs, openedAt string
	var expiration, closedAt sql.NullString

	err := scanner.Scan(
		&st.ID, &st.UserID, &st.Type, &st.Symbol, &st.LegCount, &st.Direction, &legs,
		&st.TotalOpeningCost, &st.TotalClosing, &st.RealizedPL, &st.UnrealizedPL,
		&st.Status, &openedAt, &expiration, &closedAt,
		&st.OriginalStrategyID, &st.AdjustedFromStrategyID,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(legs), &st.Legs)
	st.OpenedAt = parseTime(openedAt)
	if expiration.Valid {
		t := parseTime(expiration.String)
		st.Expiration = &t
	}
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		st.ClosedAt = &t
	}
	return &st, nil
}

// CashLedgerStore appends to and reads the cash_ledger_entries table.
type CashLedgerStore struct {
	db *sql.DB
}

func (s *CashLedgerStore) Create(ctx context.Context, e *models.CashLedgerEntry) error {
	query := `INSERT INTO cash_ledger_entries
		(id, user_id, code, amount, transaction_ids, activity_date, process_date, settle_date, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.UserID, string(e.Code), e.Amount, marshalJSON(e.TransactionIDs),
		formatTime(e.ActivityDate), formatTime(e.ProcessDate), formatTime(e.SettleDate),
		marshalJSON(e.Tags),
	)
	if err != nil {
		return fmt.Errorf("inserting cash ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *CashLedgerStore) GetAll(ctx context.Context, userID int64) ([]models.CashLedgerEntry, error) {
	query := `SELECT id, user_id, code, amount, transaction_ids, activity_date, process_date, settle_date, tags
		FROM cash_ledger_entries WHERE user_id = ? ORDER BY activity_date ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying cash ledger for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []models.CashLedgerEntry
	for rows.Next() {
		var e models.CashLedgerEntry
		var txIDs, tags, activity, process, settle string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Code, &e.Amount, &txIDs, &activity, &process, &settle, &tags); err != nil {
			return nil, fmt.Errorf("scanning cash ledger row: %w", err)
		}
		json.Unmarshal([]byte(txIDs), &e.TransactionIDs)
		json.Unmarshal([]byte(tags), &e.Tags)
		e.ActivityDate = parseTime(activity)
		e.ProcessDate = parseTime(process)
		e.SettleDate = parseTime(settle)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ContractSpecStore reads the contract_specs reference table.
type ContractSpecStore struct {
	db *sql.DB
}

func (s *ContractSpecStore) GetBySymbol(ctx context.Context, symbol string) (*models.ContractSpec, error) {
	var spec models.ContractSpec
	err := s.db.QueryRowContext(ctx,
		`SELECT symbol, multiplier, tick_size, tick_value, initial_margin
		 FROM contract_specs WHERE symbol = ? COLLATE NOCASE`, symbol,
	).Scan(&spec.Symbol, &spec.Multiplier, &spec.TickSize, &spec.TickValue, &spec.InitialMargin)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading contract spec %s: %w", symbol, err)
	}
	return &spec, nil
}
