package accounts

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresStore keeps accounts in a Postgres table. Store I/O failures
// surface to callers as a generic registration/login failure, never as a
// crash.
type PostgresStore struct {
	db *sql.DB
}

// OpenDatabase opens a Postgres connection pool via the pgx driver.
func OpenDatabase(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// RunMigrations applies the goose migrations in migrationsDir.
func RunMigrations(db *sql.DB, migrationsDir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Println("Database migrations applied successfully")
	return nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (ps *PostgresStore) Register(username, passwordHash string) error {
	if err := validate(username, passwordHash); err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
	`

	result, err := ps.db.Exec(query, Normalize(username), passwordHash)
	if err != nil {
		return fmt.Errorf("failed to register account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check registration result: %w", err)
	}
	if rows == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (ps *PostgresStore) ValidateLogin(username, passwordHash string) bool {
	query := `SELECT password_hash FROM accounts WHERE username = $1`

	var stored string
	err := ps.db.QueryRow(query, Normalize(username)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		log.Printf("Login lookup failed for %s: %v", Normalize(username), err)
		return false
	}
	return hashesEqual(stored, passwordHash)
}
