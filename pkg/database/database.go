package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrProfileNotFound indicates no profile row exists for the key.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrDuplicateAccount indicates the display name is already taken.
	ErrDuplicateAccount = errors.New("display name already registered")
	// ErrRevisionConflict indicates a concurrent writer bumped the profile
	// revision between our read and write.
	ErrRevisionConflict = errors.New("profile revision conflict")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Account is a registered player account.
type Account struct {
	ID           string
	DisplayName  string
	PasswordHash string
	Banned       bool
	CreatedAt    int64
	LastSeen     int64
}

// ProfileRow is the stored form of a profile document: an opaque JSON blob
// plus the revision counters duplicated into columns so staleness checks
// don't require decoding the document.
type ProfileRow struct {
	AccountID       string
	ProfileType     string
	Revision        int64
	CommandRevision int64
	Document        []byte
	UpdatedAt       int64
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, single dedicated writer below.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: exactly 1 connection, no pooling.
	// SQLite allows one writer at a time; funneling writes through a single
	// connection avoids SQLITE_BUSY churn under load.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{conn: conn, writeConn: writeConn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// OpenMemory opens a fresh in-memory database, used by tests. The shared
// cache keeps the read and write handles on the same database.
func OpenMemory() (*DB, error) {
	return Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Account table
CREATE TABLE IF NOT EXISTS Account (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	banned INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL DEFAULT 0
);

-- Friendship table: one row per direction, status ACCEPTED or PENDING
CREATE TABLE IF NOT EXISTS Friendship (
	account_id TEXT NOT NULL,
	friend_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, friend_id),
	FOREIGN KEY (account_id) REFERENCES Account(id) ON DELETE CASCADE,
	FOREIGN KEY (friend_id) REFERENCES Account(id) ON DELETE CASCADE
);

-- Profile table: JSON document per (account, profile type)
CREATE TABLE IF NOT EXISTS Profile (
	account_id TEXT NOT NULL,
	profile_type TEXT NOT NULL,
	rvn INTEGER NOT NULL DEFAULT 0,
	command_revision INTEGER NOT NULL DEFAULT 0,
	document TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, profile_type),
	FOREIGN KEY (account_id) REFERENCES Account(id) ON DELETE CASCADE
);

-- GiftReceipt table: audit trail for cross-profile gift operations
CREATE TABLE IF NOT EXISTS GiftReceipt (
	id TEXT PRIMARY KEY,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	offer_id TEXT NOT NULL,
	price INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_friendship_account ON Friendship(account_id, status);
CREATE INDEX IF NOT EXISTS idx_gift_receiver ON GiftReceipt(receiver_id);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// ===== Accounts =====

// CreateAccount registers a new account and returns its generated ID.
func (db *DB) CreateAccount(displayName, passwordHash string) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now().UnixMilli()

	_, err := db.writeConn.Exec(
		`INSERT INTO Account (id, display_name, password_hash, created_at, last_seen) VALUES (?, ?, ?, ?, ?)`,
		id, displayName, passwordHash, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", ErrDuplicateAccount
		}
		return "", err
	}
	return id, nil
}

// GetAccount looks up an account by ID.
func (db *DB) GetAccount(id string) (*Account, error) {
	return scanAccount(db.conn.QueryRow(
		`SELECT id, display_name, password_hash, banned, created_at, last_seen FROM Account WHERE id = ?`, id))
}

// GetAccountByDisplayName looks up an account by display name.
func (db *DB) GetAccountByDisplayName(displayName string) (*Account, error) {
	return scanAccount(db.conn.QueryRow(
		`SELECT id, display_name, password_hash, banned, created_at, last_seen FROM Account WHERE display_name = ?`, displayName))
}

func scanAccount(row *sql.Row) (*Account, error) {
	var acct Account
	var banned int
	err := row.Scan(&acct.ID, &acct.DisplayName, &acct.PasswordHash, &banned, &acct.CreatedAt, &acct.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Banned = banned != 0
	return &acct, nil
}

// SetAccountBanned flips the ban flag.
func (db *DB) SetAccountBanned(id string, banned bool) error {
	val := 0
	if banned {
		val = 1
	}
	res, err := db.writeConn.Exec(`UPDATE Account SET banned = ? WHERE id = ?`, val, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateAccountLastSeen stamps the account's last_seen time.
func (db *DB) UpdateAccountLastSeen(id string) error {
	_, err := db.writeConn.Exec(`UPDATE Account SET last_seen = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}

// ===== Friendships =====

// AddFriendship inserts (or updates) both directions of a friendship with
// the given status.
func (db *DB) AddFriendship(accountID, friendID, status string) error {
	now := time.Now().UnixMilli()
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, pair := range [][2]string{{accountID, friendID}, {friendID, accountID}} {
		if _, err := tx.Exec(
			`INSERT INTO Friendship (account_id, friend_id, status, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_id, friend_id) DO UPDATE SET status = excluded.status`,
			pair[0], pair[1], status, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AcceptedFriendIDs returns the account IDs of all accepted friends.
func (db *DB) AcceptedFriendIDs(accountID string) ([]string, error) {
	rows, err := db.conn.Query(
		`SELECT friend_id FROM Friendship WHERE account_id = ? AND status = 'ACCEPTED'`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AreAcceptedFriends reports whether the pair have an accepted friendship.
func (db *DB) AreAcceptedFriends(accountID, friendID string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM Friendship WHERE account_id = ? AND friend_id = ? AND status = 'ACCEPTED'`,
		accountID, friendID,
	).Scan(&count)
	return count > 0, err
}

// ===== Profiles =====

// GetProfile loads a profile row, or ErrProfileNotFound.
func (db *DB) GetProfile(accountID, profileType string) (*ProfileRow, error) {
	var row ProfileRow
	err := db.conn.QueryRow(
		`SELECT account_id, profile_type, rvn, command_revision, document, updated_at
		 FROM Profile WHERE account_id = ? AND profile_type = ?`,
		accountID, profileType,
	).Scan(&row.AccountID, &row.ProfileType, &row.Revision, &row.CommandRevision, &row.Document, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SaveProfile upserts a profile row. baseRevision is the revision the caller
// read before mutating; the write is rejected with ErrRevisionConflict when
// another writer got there first. Pass baseRevision -1 to skip the check
// (first write of a synthesized profile).
func (db *DB) SaveProfile(row *ProfileRow, baseRevision int64) error {
	if baseRevision < 0 {
		_, err := db.writeConn.Exec(
			`INSERT INTO Profile (account_id, profile_type, rvn, command_revision, document, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(account_id, profile_type) DO UPDATE SET
			   rvn = excluded.rvn, command_revision = excluded.command_revision,
			   document = excluded.document, updated_at = excluded.updated_at`,
			row.AccountID, row.ProfileType, row.Revision, row.CommandRevision, row.Document, row.UpdatedAt,
		)
		return err
	}

	res, err := db.writeConn.Exec(
		`UPDATE Profile SET rvn = ?, command_revision = ?, document = ?, updated_at = ?
		 WHERE account_id = ? AND profile_type = ? AND rvn = ?`,
		row.Revision, row.CommandRevision, row.Document, row.UpdatedAt,
		row.AccountID, row.ProfileType, baseRevision,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRevisionConflict
	}
	return nil
}

// ===== Gift receipts =====

// RecordGiftReceipt writes the audit row for a delivered gift.
func (db *DB) RecordGiftReceipt(senderID, receiverID, offerID string, price int) error {
	_, err := db.writeConn.Exec(
		`INSERT INTO GiftReceipt (id, sender_id, receiver_id, offer_id, price, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), senderID, receiverID, offerID, price, time.Now().UnixMilli(),
	)
	return err
}
