package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/synoptiq/go-conduit"
)

// --- 1. Define the Dependency Interface ---

type User struct {
	ID        int
	Email     string
	LastLogin time.Time
}

// LoginResult is what the login filter hands to the audit sink.
type LoginResult struct {
	UserID  int
	Found   bool
	Summary string
}

type UserRepository interface {
	GetUserByID(ctx context.Context, id int) (*User, error)
	UpdateLastLogin(ctx context.Context, id int, loginTime time.Time) error
	RecordAudit(ctx context.Context, userID int, entry string) error
}

// --- 2. Stage Callbacks ---

// NewLoginFilter returns the filter that looks up a user and refreshes its last login.
// Unknown users pass through as a result with Found == false; any other repository
// failure fails the stage.
func NewLoginFilter(repo UserRepository) conduit.FilterFunc[int, LoginResult] {
	if repo == nil {
		panic("UserRepository cannot be nil")
	}
	return func(ctx context.Context, userID int) (LoginResult, error) {
		user, err := repo.GetUserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return LoginResult{UserID: userID, Summary: fmt.Sprintf("user %d not found", userID)}, nil
			}
			return LoginResult{}, fmt.Errorf("failed to get user %d: %w", userID, err)
		}

		now := time.Now()
		if err := repo.UpdateLastLogin(ctx, userID, now); err != nil {
			log.Printf("Warning: failed to update last login for user %d: %v", userID, err)
		}

		summary := fmt.Sprintf("User %d (%s) login updated to %s", user.ID, user.Email, now.Format(time.RFC3339))
		return LoginResult{UserID: userID, Found: true, Summary: summary}, nil
	}
}

// NewAuditSink returns the sink that stores every result in the audit log.
func NewAuditSink(repo UserRepository) conduit.SinkFunc[LoginResult] {
	if repo == nil {
		panic("UserRepository cannot be nil")
	}
	return func(ctx context.Context, result LoginResult) error {
		return repo.RecordAudit(ctx, result.UserID, result.Summary)
	}
}

// NewLoginPipeline wires ids -> login filter -> audit sink.
func NewLoginPipeline(repo UserRepository, userIDs []int, options ...conduit.PipelineOption) (*conduit.Pipeline[int, LoginResult], error) {
	p := conduit.NewPipeline[int, LoginResult](append([]conduit.PipelineOption{conduit.WithPipelineName("user_logins")}, options...)...)
	if err := p.AddSource(conduit.FromSlice(userIDs), conduit.WithStageName("login_requests")); err != nil {
		return nil, err
	}
	if err := conduit.AddFilter(p, NewLoginFilter(repo), conduit.WithStageName("refresh_login")); err != nil {
		return nil, err
	}
	if err := p.AddSink(NewAuditSink(repo), conduit.WithStageName("audit")); err != nil {
		return nil, err
	}
	return p, nil
}

// --- 3a. Concrete Dependency Implementation (SQLite) ---

type SQLiteUserRepository struct {
	db *sql.DB
}

func NewSQLiteUserRepository(db *sql.DB) *SQLiteUserRepository {
	if db == nil {
		panic("sql.DB cannot be nil")
	}
	return &SQLiteUserRepository{db: db}
}

func (r *SQLiteUserRepository) GetUserByID(ctx context.Context, id int) (*User, error) {
	query := "SELECT id, email, last_login FROM users WHERE id = ?"
	row := r.db.QueryRowContext(ctx, query, id)

	var user User
	var lastLoginStr string

	err := row.Scan(&user.ID, &user.Email, &lastLoginStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("query user %d failed: %w", id, err)
	}

	if lastLoginStr != "" {
		user.LastLogin, err = time.Parse(time.RFC3339, lastLoginStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_login '%s' for user %d failed: %w", lastLoginStr, id, err)
		}
	}

	return &user, nil
}

func (r *SQLiteUserRepository) UpdateLastLogin(ctx context.Context, id int, loginTime time.Time) error {
	query := "UPDATE users SET last_login = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, loginTime.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("update last_login for user %d failed: %w", id, err)
	}
	return nil
}

func (r *SQLiteUserRepository) RecordAudit(ctx context.Context, userID int, entry string) error {
	query := "INSERT INTO login_audit (user_id, entry, recorded_at) VALUES (?, ?, ?)"
	_, err := r.db.ExecContext(ctx, query, userID, entry, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record audit for user %d failed: %w", userID, err)
	}
	return nil
}

// --- 3b. Concrete Dependency Implementation (Mock) ---

type MockUserRepository struct {
	mu    sync.RWMutex
	users map[int]*User
	audit []string

	GetUserByIDFunc     func(ctx context.Context, id int) (*User, error)
	UpdateLastLoginFunc func(ctx context.Context, id int, loginTime time.Time) error
	RecordAuditFunc     func(ctx context.Context, userID int, entry string) error
}

func NewMockUserRepository() *MockUserRepository {
	m := &MockUserRepository{
		users: map[int]*User{
			1: {ID: 1, Email: "alice@example.com", LastLogin: time.Now().Add(-24 * time.Hour)},
			2: {ID: 2, Email: "bob@example.com", LastLogin: time.Now().Add(-48 * time.Hour)},
			4: {ID: 4, Email: "charlie@example.com", LastLogin: time.Now().Add(-72 * time.Hour)},
			5: {ID: 5, Email: "dave@example.com", LastLogin: time.Now().Add(-96 * time.Hour)},
		},
	}

	m.GetUserByIDFunc = func(_ context.Context, id int) (*User, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		user, exists := m.users[id]
		if !exists {
			return nil, sql.ErrNoRows
		}
		userCopy := *user
		return &userCopy, nil
	}

	m.UpdateLastLoginFunc = func(_ context.Context, id int, loginTime time.Time) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		user, exists := m.users[id]
		if !exists {
			return fmt.Errorf("user %d not found for update", id)
		}
		user.LastLogin = loginTime
		return nil
	}

	m.RecordAuditFunc = func(_ context.Context, _ int, entry string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.audit = append(m.audit, entry)
		return nil
	}

	return m
}

func (m *MockUserRepository) GetUserByID(ctx context.Context, id int) (*User, error) {
	return m.GetUserByIDFunc(ctx, id)
}

func (m *MockUserRepository) UpdateLastLogin(ctx context.Context, id int, loginTime time.Time) error {
	return m.UpdateLastLoginFunc(ctx, id, loginTime)
}

func (m *MockUserRepository) RecordAudit(ctx context.Context, userID int, entry string) error {
	return m.RecordAuditFunc(ctx, userID, entry)
}

// Audit returns the recorded audit entries in order.
func (m *MockUserRepository) Audit() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.audit...)
}

// --- Database Setup Helper ---

const dbFile = "./conduit_db_example.db"

func setupDatabase(ctx context.Context, path string) (*sql.DB, error) {
	_ = os.Remove(path)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		last_login TEXT
	);
	CREATE TABLE login_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		entry TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	insertSQL := "INSERT INTO users (id, email, last_login) VALUES (?, ?, ?)"
	usersToInsert := []User{
		{ID: 1, Email: "alice@example.com", LastLogin: time.Now().Add(-24 * time.Hour)},
		{ID: 2, Email: "bob@example.com", LastLogin: time.Now().Add(-48 * time.Hour)},
		{ID: 4, Email: "charlie@example.com", LastLogin: time.Now().Add(-72 * time.Hour)},
		{ID: 5, Email: "dave@example.com", LastLogin: time.Now().Add(-96 * time.Hour)},
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		_ = tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for _, user := range usersToInsert {
		if _, err := stmt.ExecContext(ctx, user.ID, user.Email, user.LastLogin.Format(time.RFC3339)); err != nil {
			_ = tx.Rollback()
			db.Close()
			return nil, fmt.Errorf("failed to insert user %d: %w", user.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	fmt.Println("✅ SQLite database initialized.")
	return db, nil
}

// --- 4. Example Usage ---

func main() {
	fmt.Println("🚀 Conduit Database Example (SQLite source -> filter -> sink)")
	fmt.Println("=============================================================")

	ctx := context.Background()

	db, err := setupDatabase(ctx, dbFile)
	if err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}
	defer os.Remove(dbFile)
	defer db.Close()

	repo := NewSQLiteUserRepository(db)

	// Includes IDs that do not exist
	userIDs := []int{1, 3, 2, 99, 4, 5}

	pipeline, err := NewLoginPipeline(repo, userIDs,
		conduit.WithPipelineLogger(log.New(os.Stdout, "[pipeline] ", log.Ltime)),
		conduit.WithBufferSize(4),
	)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	fmt.Printf("\nProcessing %d login requests...\n", len(userIDs))
	startTime := time.Now()
	if err := conduit.Run(ctx, pipeline); err != nil {
		fmt.Printf("❌ Pipeline failed: %v\n", err)
	}
	fmt.Printf("Processing finished in %v\n", time.Since(startTime))

	fmt.Println("\nAudit log:")
	rows, err := db.QueryContext(ctx, "SELECT user_id, entry FROM login_audit ORDER BY id")
	if err != nil {
		log.Printf("Warning: Failed to query audit log: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var userID int
		var entry string
		if err := rows.Scan(&userID, &entry); err != nil {
			log.Printf("Warning: Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("  [%d] %s\n", userID, entry)
	}
	if err := rows.Err(); err != nil {
		log.Printf("Warning: audit log iteration failed: %v", err)
	}
}
