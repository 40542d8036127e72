package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/escrowmarket/internal/models"
)

//go:embed migrations/001_init.sql
var initMigration string

var (
	// ErrNotFound is returned when a looked up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("already exists")
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initMigration); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, address common.Address) (*models.User, error) {
	user := &models.User{}
	var addr string
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, address) VALUES ($1, $2, $3) RETURNING id, username, password_hash, address, created_at",
		username, passwordHash, address.Hex()).Scan(&user.ID, &user.Username, &user.PasswordHash, &addr, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("failed to create user %q: %w", username, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.Address = common.HexToAddress(addr)
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	var addr string
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, address, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &addr, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get user %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.Address = common.HexToAddress(addr)
	return user, nil
}

// GetWallet returns the external funds held by address; zero when unknown
func (db *DB) GetWallet(ctx context.Context, address common.Address) (*uint256.Int, error) {
	var amount string
	err := db.Pool.QueryRow(ctx,
		"SELECT amount::text FROM wallets WHERE address = $1", address.Hex()).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return parseAmount(amount)
}

// SetWallet stores the external funds held by address
func (db *DB) SetWallet(ctx context.Context, address common.Address, amount *uint256.Int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO wallets (address, amount) VALUES ($1, $2::numeric) ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount",
		address.Hex(), amountArg(amount))
	if err != nil {
		return fmt.Errorf("failed to set wallet: %w", err)
	}
	return nil
}

// GetWallets returns every stored external balance
func (db *DB) GetWallets(ctx context.Context) (map[common.Address]*uint256.Int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT address, amount::text FROM wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to get wallets: %w", err)
	}
	defer rows.Close()

	wallets := make(map[common.Address]*uint256.Int)
	for rows.Next() {
		var addr, amount string
		if err := rows.Scan(&addr, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		v, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		wallets[common.HexToAddress(addr)] = v
	}
	return wallets, rows.Err()
}

func amountArg(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return v, nil
}
