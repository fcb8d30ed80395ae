package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/pkg/utils"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db         *sql.DB
	config     *StoreConfig
	logger     *logrus.Logger
	migrations []*Migration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(config *StoreConfig) *SQLiteStore {
	return &SQLiteStore{
		config:     config,
		logger:     utils.GetLogger(),
		migrations: GetSQLiteMigrations(),
	}
}

// Connect establishes the database connection
func (s *SQLiteStore) Connect() error {
	dir := filepath.Dir(s.config.ConnectionString)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
		}
	}

	db, err := sql.Open("sqlite", s.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	db.SetMaxOpenConns(s.config.MaxConnections)
	db.SetMaxIdleConns(s.config.MaxConnections / 2)
	db.SetConnMaxLifetime(s.config.MaxIdleTime)

	// WAL mode keeps registration writes from blocking the evaluation loop's
	// reads across call paths.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to enable WAL mode", err.Error())
	}

	// Writes must be durable before success is reported.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to set synchronous mode", err.Error())
	}

	s.db = db
	s.logger.WithField("path", s.config.ConnectionString).Info("SQLite store connected")

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("SQLite store connection closed")
		return err
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Store not connected", "")
	}
	return s.db.Ping()
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Store not connected", "")
	}

	for _, migration := range s.migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}

	s.logger.Info("Store migrations completed")
	return nil
}

// PutListener validates and inserts or overwrites a listener. An invalid
// listener is rejected before any write.
func (s *SQLiteStore) PutListener(ctx context.Context, listener *models.Listener) error {
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
		INSERT OR REPLACE INTO listeners
		(id, contract, owner, token_id, target_price, action, amount,
		 price_limit, recipient, status, created_at, fired_at, tx_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

const listenerColumns = `id, contract, owner, token_id, target_price, action, amount,
	price_limit, recipient, status, created_at, fired_at, tx_ref`

// GetListener retrieves a single listener by ID
func (s *SQLiteStore) GetListener(ctx context.Context, id string) (*models.Listener, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+listenerColumns+" FROM listeners WHERE id = ?", id)

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
// in insertion order. Ordering is stable within a process run.
func (s *SQLiteStore) GetActiveListeners(ctx context.Context, contract common.Address, tokenID uint64) ([]*models.Listener, error) {
	query := "SELECT " + listenerColumns + ` FROM listeners
		WHERE contract = ? AND token_id = ? AND status = ?
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
func (s *SQLiteStore) GetListeners(ctx context.Context, filter models.ListenerFilter) ([]*models.Listener, error) {
	query := "SELECT " + listenerColumns + " FROM listeners WHERE 1=1"
	args := []interface{}{}

	if filter.Contract != nil {
		query += " AND contract = ?"
		args = append(args, strings.ToLower(filter.Contract.Hex()))
	}
	if filter.TokenID != nil {
		query += " AND token_id = ?"
		args = append(args, *filter.TokenID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query listeners", err.Error())
	}
	defer rows.Close()

	return collectListeners(rows)
}

// MarkFired transitions a listener from active to fired. The status guard
// makes the call a no-op when the listener already fired or was cancelled,
// so retried evaluation cannot fire twice.
func (s *SQLiteStore) MarkFired(ctx context.Context, id string, txRef string) error {
	query := `
		UPDATE listeners SET status = ?, fired_at = ?, tx_ref = ?
		WHERE id = ? AND status = ?
	`

	_, err := s.db.ExecContext(ctx, query,
		string(models.StatusFired), time.Now().UTC(), txRef, id, string(models.StatusActive))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to mark listener fired", err.Error())
	}

	return nil
}

// CancelListener transitions a listener from active to cancelled.
func (s *SQLiteStore) CancelListener(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE listeners SET status = ? WHERE id = ? AND status = ?",
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

// RecordPrice overwrites the latest price for a token. Evaluation is a
// deliberate separate step; recording alone never triggers anything.
func (s *SQLiteStore) RecordPrice(ctx context.Context, tokenID uint64, price decimal.Decimal) error {
	query := `
		INSERT OR REPLACE INTO prices (token_id, price, observed_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, tokenID, price.String(), time.Now().UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to record price", err.Error())
	}

	return nil
}

// GetLatestPrice returns the latest recorded observation for a token
func (s *SQLiteStore) GetLatestPrice(ctx context.Context, tokenID uint64) (*models.PriceObservation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT token_id, price, observed_at FROM prices WHERE token_id = ?", tokenID)

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

// ReplaceContractCache replaces the cached snapshot for one contract inside a
// single transaction. On any failure the previous rows are left untouched.
func (s *SQLiteStore) ReplaceContractCache(ctx context.Context, snapshot *models.ContractSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err.Error())
	}
	defer tx.Rollback()

	contract := strings.ToLower(snapshot.Contract.Hex())

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_tokens WHERE contract = ?", contract); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear cached tokens", err.Error())
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_balances WHERE contract = ?", contract); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to clear cached balances", err.Error())
	}

	for _, token := range snapshot.Tokens {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO cache_tokens (contract, token_id, uri, total_supply, synced_at) VALUES (?, ?, ?, ?, ?)",
			contract, token.TokenID, token.URI, token.TotalSupply.String(), snapshot.SyncedAt)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cache token", err.Error())
		}
	}

	for _, balance := range snapshot.Balances {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO cache_balances (contract, token_id, account, amount, synced_at) VALUES (?, ?, ?, ?, ?)",
			contract, balance.TokenID, strings.ToLower(balance.Account.Hex()), balance.Amount.String(), snapshot.SyncedAt)
		if err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase, "Failed to cache balance", err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to commit cache snapshot", err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"contract": contract,
		"tokens":   len(snapshot.Tokens),
		"balances": len(snapshot.Balances),
	}).Debug("Contract cache replaced")

	return nil
}

// GetCachedToken retrieves a cached token row
func (s *SQLiteStore) GetCachedToken(ctx context.Context, contract common.Address, tokenID uint64) (*models.CachedToken, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT contract, token_id, uri, total_supply, synced_at FROM cache_tokens WHERE contract = ? AND token_id = ?",
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
func (s *SQLiteStore) GetCachedBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (*models.CachedBalance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT contract, token_id, account, amount, synced_at FROM cache_balances WHERE contract = ? AND token_id = ? AND account = ?",
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
func (s *SQLiteStore) GetCachedBalances(ctx context.Context, contract common.Address) ([]*models.CachedBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT contract, token_id, account, amount, synced_at FROM cache_balances WHERE contract = ? ORDER BY token_id ASC, account ASC",
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
func (s *SQLiteStore) GetStats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners").Scan(&stats.TotalListeners)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count listeners", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners WHERE status = ?",
		string(models.StatusActive)).Scan(&stats.ActiveListeners)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to count active listeners", err.Error())
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM listeners WHERE status = ?",
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

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListener(row rowScanner) (*models.Listener, error) {
	var listener models.Listener
	var contractStr, ownerStr, targetStr, actionStr, amountStr, statusStr string
	var priceLimit, recipient, txRef sql.NullString
	var firedAt sql.NullTime

	err := row.Scan(&listener.ID, &contractStr, &ownerStr, &listener.TokenID,
		&targetStr, &actionStr, &amountStr, &priceLimit, &recipient,
		&statusStr, &listener.CreatedAt, &firedAt, &txRef)
	if err != nil {
		return nil, err
	}

	listener.Contract = common.HexToAddress(contractStr)
	listener.Owner = common.HexToAddress(ownerStr)
	listener.Action = models.ActionType(actionStr)
	listener.Status = models.ListenerStatus(statusStr)

	if listener.TargetPrice, err = decimal.NewFromString(targetStr); err != nil {
		return nil, err
	}
	if listener.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, err
	}
	if priceLimit.Valid {
		limit, err := decimal.NewFromString(priceLimit.String)
		if err != nil {
			return nil, err
		}
		listener.PriceLimit = &limit
	}
	if recipient.Valid {
		addr := common.HexToAddress(recipient.String)
		listener.Recipient = &addr
	}
	if firedAt.Valid {
		listener.FiredAt = &firedAt.Time
	}
	if txRef.Valid {
		listener.TxRef = &txRef.String
	}

	return &listener, nil
}

func collectListeners(rows *sql.Rows) ([]*models.Listener, error) {
	var listeners []*models.Listener
	for rows.Next() {
		listener, err := scanListener(rows)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan listener", err.Error())
		}
		listeners = append(listeners, listener)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Listener row iteration failed", err.Error())
	}
	return listeners, nil
}

func scanCachedBalance(row rowScanner) (*models.CachedBalance, error) {
	var balance models.CachedBalance
	var contractStr, accountStr, amountStr string

	err := row.Scan(&contractStr, &balance.TokenID, &accountStr, &amountStr, &balance.SyncedAt)
	if err != nil {
		return nil, err
	}

	balance.Contract = common.HexToAddress(contractStr)
	balance.Account = common.HexToAddress(accountStr)
	balance.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, err
	}

	return &balance, nil
}
