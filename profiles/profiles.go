// Package profiles is the credential collaborator consulted during the
// relay's authentication handshake. Profiles live in a small SQLite store;
// the client-supplied password hash is opaque to the relay and is stored
// salted and stretched, never verbatim.
package profiles

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "profiles.db"

	pbkdf2Iterations = 100_000
	pbkdf2KeyLength  = 32
	saltLength       = 16
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS profiles (
  username      TEXT PRIMARY KEY,
  display_name  TEXT NOT NULL DEFAULT '',
  salt          TEXT NOT NULL,
  derived_key   TEXT NOT NULL,
  created_at    INTEGER NOT NULL,
  last_login_at INTEGER
);
`,
}

var (
	// ErrProfileExists indicates the username is already registered.
	ErrProfileExists = errors.New("profiles: profile already exists")
	// ErrProfileNotFound indicates no profile holds the username.
	ErrProfileNotFound = errors.New("profiles: profile not found")
	// ErrBadCredentials indicates the presented hash does not match.
	ErrBadCredentials = errors.New("profiles: bad credentials")
)

// Profile is one stored user record, without secret material.
type Profile struct {
	Username    string
	DisplayName string
	CreatedAt   int64
	LastLoginAt int64
}

// Store is a thin wrapper around the profiles SQLite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	// AllowUnregistered admits usernames with no stored profile, which
	// matches open-join sessions. Registered usernames always require a
	// matching credential.
	AllowUnregistered bool
}

// Open opens (or creates) profiles.db under the data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create profiles directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens a profiles database at an explicit path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open profiles database: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run profiles migration %d: %w", i, err)
		}
	}

	return &Store{db: db, AllowUnregistered: true}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create registers a new profile. passwordHash is whatever opaque hash the
// client presents at auth time; it is salted and stretched before storage.
func (s *Store) Create(username, displayName, passwordHash string) error {
	if username == "" {
		return errors.New("profiles: username is required")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	derived := deriveKey(passwordHash, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO profiles (username, display_name, salt, derived_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		username,
		displayName,
		hex.EncodeToString(salt),
		hex.EncodeToString(derived),
		time.Now().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProfileExists
		}
		return fmt.Errorf("insert profile %q: %w", username, err)
	}
	return nil
}

// Validate implements the relay's CredentialValidator contract: nil admits
// the client, any error rejects it.
func (s *Store) Validate(username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saltHex, keyHex string
	err := s.db.QueryRow(
		`SELECT salt, derived_key FROM profiles WHERE username = ?`, username,
	).Scan(&saltHex, &keyHex)
	if errors.Is(err, sql.ErrNoRows) {
		if s.AllowUnregistered {
			return nil
		}
		return ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("load profile %q: %w", username, err)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return fmt.Errorf("decode salt for %q: %w", username, err)
	}
	stored, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("decode key for %q: %w", username, err)
	}

	derived := deriveKey(passwordHash, salt)
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrBadCredentials
	}

	_, _ = s.db.Exec(
		`UPDATE profiles SET last_login_at = ? WHERE username = ?`,
		time.Now().UnixMilli(), username,
	)
	return nil
}

// Lookup returns a stored profile without secret material.
func (s *Store) Lookup(username string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var profile Profile
	var lastLogin sql.NullInt64
	err := s.db.QueryRow(
		`SELECT username, display_name, created_at, last_login_at
		 FROM profiles WHERE username = ?`, username,
	).Scan(&profile.Username, &profile.DisplayName, &profile.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load profile %q: %w", username, err)
	}
	profile.LastLoginAt = lastLogin.Int64
	return profile, nil
}

// List returns all stored profiles ordered by username.
func (s *Store) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT username, display_name, created_at, last_login_at
		 FROM profiles ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var profiles []Profile
	for rows.Next() {
		var profile Profile
		var lastLogin sql.NullInt64
		if err := rows.Scan(&profile.Username, &profile.DisplayName, &profile.CreatedAt, &lastLogin); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profile.LastLoginAt = lastLogin.Int64
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// Delete removes a profile.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM profiles WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete profile %q: %w", username, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func deriveKey(passwordHash string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passwordHash), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
