package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/pkg/utils"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	db         *sql.DB
	config     *StoreConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewPostgreSQLStore creates a new PostgreSQL store instance
func NewPostgreSQLStore(config *StoreConfig) *PostgreSQLStore {
	return &PostgreSQLStore{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetPostgreSQLMigrations(),
	}
}

// Connect establishes the database connection
func (s *PostgreSQLStore) Connect() error {
	db, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to reach PostgreSQL database", err.Error())
	}

	s.db = db
	s.logger.Info("PostgreSQL store connected")

	return nil
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("PostgreSQL store connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgreSQLStore) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Store not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *PostgreSQLStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Store not connected", "")
	}

	for _, migration := range s.migrations {
		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Store migrations completed")
	return nil
}

// PutListener validates and inserts or overwrites a listener
func (s *PostgreSQLStore) PutListener(ctx context.Context, listener *models.Listener) error {
	if err := listener.Validate(); err != nil {
		return err
	}

	var priceLimit, recipient, txRef sql.NullString
	if listener.PriceLimit != nil {
		priceLimit = sql.NullString{String: listener.PriceLimit.String(), Valid: true}
	}
	if listener.Recipient != nil {
		recipient = sql.NullString{String: strings.ToLower(listener.Recipient.Hex()), Valid: true}
	}
	if listener.TxRef != nil {
		txRef = sql.NullString{String: *listener.TxRef, Valid: true}
	}

	query := `
		INSERT INTO listeners
		(id, contract, owner, token_id, target_price, action, amount,
		 price_limit, recipient, status, created_at, fired_at, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			contract = EXCLUDED.contract, owner = EXCLUDED.owner,
			token_id = EXCLUDED.token_id, target_price = EXCLUDED.target_price,
			action = EXCLUDED.action, amount = EXCLUDED.amount,
			price_limit = EXCLUDED.price_limit, recipient = EXCLUDED.recipient,
			status = EXCLUDED.status, fired_at = EXCLUDED.fired_at,
			tx_ref = EXCLUDED.tx_ref
	`

	_, err := s.db.ExecContext(ctx, query,
		listener.ID, strings.ToLower(listener.Contract.Hex()), strings.ToLower(listener.Owner.Hex()),
		listener.TokenID, listener.TargetPrice.String(), string(listener.Action), listener.Amount.String(),
		priceLimit, recipient, string(listener.Status), listener.CreatedAt, listener.FiredAt, txRef)

	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to save listener", err.Error())
	}

	return nil
}

// GetListener retrieves a single listener by ID
func (s *PostgreSQLStore) GetListener(ctx context.Context, id string) (*models.Listener, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+listenerColumns+" FROM listeners WHERE id = $1", id)

	listener, err := scanListener(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get listener", err.Error())
	}
	return listener, nil
}

// GetActiveListeners returns all active listeners for a contract and token,
// in insertion order
func (s *PostgreSQLStore) GetActiveListeners(ctx context.Context, contract common.Address, tokenID uint64) ([]*models.Listener, error) {
	query := "SELECT " + listenerColumns + ` FROM listeners
		WHERE contract = $1 AND token_id = $2 AND status = $3
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query,
		strings.ToLower(contract.Hex()), tokenID, string(models.StatusActive))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query active listeners", err.Error())
	}
	defer rows.Close()

	return collectListeners(rows)
}

// GetListeners retrieves listeners based on filter
func (s *PostgreSQLStore) GetListeners(ctx context.Context, filter models.ListenerFilter) ([]*models.Listener, error) {
	query := "SELECT " + listenerColumns + " FROM listeners WHERE 1=1"
	args := []interface{}{}
	argIndex := 1

	if filter.Contract != nil {
		query += fmt.Sprintf(" AND contract = $%d", argIndex)
		args = append(args, strings.ToLower(filter.Contract.Hex()))
		argIndex++
	}
	if filter.TokenID != nil {
		query += fmt.Sprintf(" AND token_id = $%d", argIndex)
		args = append(args, *filter.TokenID)
		argIndex++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(*filter.Status))
		argIndex++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query listeners", err.Error())
	}
	defer rows.Close()

	return collectListeners(rows)
}

// MarkFired transitions a listener from active to fired; no-op otherwise
func (s *PostgreSQLStore) MarkFired(ctx context.Context, id string, txRef string) error {
	query := `
		UPDATE listeners SET status = $1, fired_at = $2, tx_ref = $3
		WHERE id = $4 AND status = $5
	`

	_, err := s.db.ExecContext(ctx, query,
		string(models.StatusFired), time.Now().UTC(), txRef, id, string(models.StatusActive))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark listener fired", err.Error())
	}

	return nil
}

// CancelListener transitions a listener from active to cancelled
func (s *PostgreSQLStore) CancelListener(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE listeners SET status = $1 WHERE id = $2 AND status = $3",
		string(models.StatusCancelled), id, string(models.StatusActive))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cancel listener", err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to get rows affected", err.Error())
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "No active listener with that id", id)
	}

	return nil
}

// RecordPrice overwrites the latest price for a token
func (s *PostgreSQLStore) RecordPrice(ctx context.Context, tokenID uint64, price decimal.Decimal) error {
	query := `
		INSERT INTO prices (token_id, price, observed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_id) DO UPDATE SET
			price = EXCLUDED.price, observed_at = EXCLUDED.observed_at
	`

	_, err := s.db.ExecContext(ctx, query, tokenID, price.String(), time.Now().UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to record price", err.Error())
	}

	return nil
}

// GetLatestPrice returns the latest recorded observation for a token
func (s *PostgreSQLStore) GetLatestPrice(ctx context.Context, tokenID uint64) (*models.PriceObservation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT token_id, price, observed_at FROM prices WHERE token_id = $1", tokenID)

	var obs models.PriceObservation
	var priceStr string

	err := row.Scan(&obs.TokenID, &priceStr, &obs.ObservedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get latest price", err.Error())
	}

	obs.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt price value", err.Error())
	}

	return &obs, nil
}

// ReplaceContractCache replaces the cached snapshot for one contract
// transactionally
func (s *PostgreSQLStore) ReplaceContractCache(ctx context.Context, snapshot *models.ContractSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	contract := strings.ToLower(snapshot.Contract.Hex())

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_tokens WHERE contract = $1", contract); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear cached tokens", err.Error())
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_balances WHERE contract = $1", contract); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear cached balances", err.Error())
	}

	for _, token := range snapshot.Tokens {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO cache_tokens (contract, token_id, uri, total_supply, synced_at) VALUES ($1, $2, $3, $4, $5)",
			contract, token.TokenID, token.URI, token.TotalSupply.String(), snapshot.SyncedAt)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cache token", err.Error())
		}
	}

	for _, balance := range snapshot.Balances {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO cache_balances (contract, token_id, account, amount, synced_at) VALUES ($1, $2, $3, $4, $5)",
			contract, balance.TokenID, strings.ToLower(balance.Account.Hex()), balance.Amount.String(), snapshot.SyncedAt)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cache balance", err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cache snapshot", err.Error())
	}

	return nil
}

// GetCachedToken retrieves a cached token row
func (s *PostgreSQLStore) GetCachedToken(ctx context.Context, contract common.Address, tokenID uint64) (*models.CachedToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT contract, token_id, uri, total_supply, synced_at FROM cache_tokens WHERE contract = $1 AND token_id = $2",
		strings.ToLower(contract.Hex()), tokenID)

	var token models.CachedToken
	var contractStr, supplyStr string

	err := row.Scan(&contractStr, &token.TokenID, &token.URI, &supplyStr, &token.SyncedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get cached token", err.Error())
	}

	token.Contract = common.HexToAddress(contractStr)
	token.TotalSupply, err = decimal.NewFromString(supplyStr)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Corrupt supply value", err.Error())
	}

	return &token, nil
}

// GetCachedBalance retrieves a cached balance row
func (s *PostgreSQLStore) GetCachedBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (*models.CachedBalance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT contract, token_id, account, amount, synced_at FROM cache_balances WHERE contract = $1 AND token_id = $2 AND account = $3",
		strings.ToLower(contract.Hex()), tokenID, strings.ToLower(account.Hex()))

	balance, err := scanCachedBalance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to get cached balance", err.Error())
	}
	return balance, nil
}

// GetCachedBalances retrieves all cached balances for a contract
func (s *PostgreSQLStore) GetCachedBalances(ctx context.Context, contract common.Address) ([]*models.CachedBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT contract, token_id, account, amount, synced_at FROM cache_balances WHERE contract = $1 ORDER BY token_id ASC, account ASC",
		strings.ToLower(contract.Hex()))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query cached balances", err.Error())
	}
	defer rows.Close()

	var balances []*models.CachedBalance
	for rows.Next() {
		balance, err := scanCachedBalance(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan cached balance", err.Error())
		}
		balances = append(balances, balance)
	}

	return balances, nil
}

// GetStats returns storage statistics
func (s *PostgreSQLStore) GetStats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners").Scan(&stats.TotalListeners)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count listeners", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners WHERE status = $1",
		string(models.StatusActive)).Scan(&stats.ActiveListeners)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count active listeners", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners WHERE status = $1",
		string(models.StatusFired)).Scan(&stats.FiredListeners)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count fired listeners", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM prices").Scan(&stats.TrackedTokens)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count tracked tokens", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_balances").Scan(&stats.CachedBalances)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count cached balances", err.Error())
	}

	var latestSync sql.NullTime
	err = s.db.QueryRowContext(ctx, "SELECT MAX(synced_at) FROM cache_tokens").Scan(&latestSync)
	if err == nil && latestSync.Valid {
		stats.LatestSync = &latestSync.Time
	}

	return stats, nil
}
