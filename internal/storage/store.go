package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/leducphy/goaltracker/internal/goals/auth"
)

// ErrStorage marks credential-store I/O failures. It is distinct from the
// absent case: ReadTokenSet and ReadProfile return (nil, nil) for "never
// logged in" and only wrap ErrStorage when storage itself is broken.
var ErrStorage = errors.New("credential storage failure")

// Store persists the current token set and profile as a single encrypted
// record in SQLite. There is exactly one credential row, written in one
// statement, so readers never observe a half-updated token/profile pair.
type Store struct {
	db  *sql.DB
	key []byte
	mu  sync.RWMutex
}

// credentialRecord is the plaintext shape of the encrypted payload column.
type credentialRecord struct {
	Tokens  auth.TokenSet    `json:"tokens"`
	Profile auth.UserProfile `json:"profile"`
}

var _ auth.CredentialStore = (*Store)(nil)

// New opens (or creates) the credential database at dbPath. Token data is
// encrypted at rest with AES-GCM using the given key.
func New(dbPath string, key []byte) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrStorage, err)
	}

	// Tighten permissions; only takes effect once the file exists.
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: chmod database: %w", ErrStorage, err)
	}

	s := &Store{db: db, key: key}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: create schema: %w", ErrStorage, err)
	}
	return nil
}

// Persist writes the token set and profile as one record. Either the whole
// record is replaced or, on failure, the previous record stays intact.
func (s *Store) Persist(tokens auth.TokenSet, profile auth.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(credentialRecord{Tokens: tokens, Profile: profile})
	if err != nil {
		return fmt.Errorf("%w: marshal credentials: %w", ErrStorage, err)
	}
	encrypted, err := Encrypt(payload, s.key)
	if err != nil {
		return fmt.Errorf("%w: encrypt credentials: %w", ErrStorage, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO credentials (id, payload, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, encrypted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: save credentials: %w", ErrStorage, err)
	}
	return nil
}

func (s *Store) read() (*credentialRecord, error) {
	var encrypted string
	err := s.db.QueryRow("SELECT payload FROM credentials WHERE id = 1").Scan(&encrypted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query credentials: %w", ErrStorage, err)
	}

	payload, err := Decrypt(encrypted, s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt credentials: %w", ErrStorage, err)
	}
	var record credentialRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("%w: unmarshal credentials: %w", ErrStorage, err)
	}
	return &record, nil
}

// ReadTokenSet returns the persisted token set, or (nil, nil) when the user
// has never logged in.
func (s *Store) ReadTokenSet() (*auth.TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.read()
	if err != nil || record == nil {
		return nil, err
	}
	tokens := record.Tokens
	return &tokens, nil
}

// ReadProfile returns the cached profile, or (nil, nil) when absent.
func (s *Store) ReadProfile() (*auth.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := s.read()
	if err != nil || record == nil {
		return nil, err
	}
	profile := record.Profile
	return &profile, nil
}

// Clear deletes the credential record. Safe to call when already empty.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM credentials"); err != nil {
		return fmt.Errorf("%w: clear credentials: %w", ErrStorage, err)
	}
	return nil
}

// InstallationID returns the stable per-install identifier sent with every
// API request, generating and persisting one on first use.
func (s *Store) InstallationID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'installation_id'").Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("%w: query installation id: %w", ErrStorage, err)
	}

	id = uuid.New().String()
	if _, err := s.db.Exec(
		"INSERT INTO settings (key, value) VALUES ('installation_id', ?)", id,
	); err != nil {
		return "", fmt.Errorf("%w: save installation id: %w", ErrStorage, err)
	}
	return id, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
