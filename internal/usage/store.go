// Package usage meters scans per user: a daily free quota and a premium
// window with unlimited scans.
package usage

import (
	"context"
	"crypto/md5" //nolint:gosec // identifier derivation, not a security boundary
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage (
    user_id          TEXT PRIMARY KEY,
    ip_address       TEXT NOT NULL DEFAULT 'unknown',
    daily_scans      INTEGER NOT NULL DEFAULT 0,
    total_scans      INTEGER NOT NULL DEFAULT 0,
    last_scan_date   TEXT,
    is_premium       INTEGER NOT NULL DEFAULT 0,
    premium_expires  TEXT,
    created_at       TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_premium ON usage(is_premium, premium_expires);
`

const dateLayout = "2006-01-02"

// Days granted per purchased month.
const daysPerMonth = 30

// ErrUserNotFound is returned by Get for unknown users.
var ErrUserNotFound = errors.New("user not found")

// ErrQuotaExceeded is returned by RecordScan when the user has no scan left
// for today.
var ErrQuotaExceeded = errors.New("daily scan quota exceeded")

// User types.
const (
	UserFree    = "free"
	UserPremium = "premium"
)

// Denial reasons.
const (
	ReasonDailyLimit = "daily_limit_reached"
)

// Unlimited is the ScansLeft value of premium users.
const Unlimited Quota = -1

// Quota is a number of scans; Unlimited serialises as "unlimited".
type Quota int

// MarshalJSON implements json.Marshaler.
func (q Quota) MarshalJSON() ([]byte, error) {
	if q == Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(int(q))
}

// Status is the outcome of a quota check.
type Status struct {
	CanScan        bool   `json:"can_scan"`
	UserType       string `json:"user_type"`
	Reason         string `json:"reason,omitempty"`
	ScansUsed      int    `json:"scans_used"`
	ScansLeft      Quota  `json:"scans_left"`
	PremiumExpires string `json:"premium_expires,omitempty"`
}

// User is one metered user row.
type User struct {
	UserID         string `json:"user_id"`
	IPAddress      string `json:"ip_address"`
	DailyScans     int    `json:"daily_scans"`
	TotalScans     int    `json:"total_scans"`
	LastScanDate   string `json:"last_scan_date,omitempty"`
	Premium        bool   `json:"is_premium"`
	PremiumExpires string `json:"premium_expires,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// UserID derives a stable anonymous identifier from the client address and
// user agent: the first 16 hex digits of md5("ip-ua").
func UserID(ip, userAgent string) string {
	sum := md5.Sum([]byte(ip + "-" + userAgent)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])[:16]
}

// Store is the SQLite-backed usage store.
type Store struct {
	db         *sql.DB
	freePerDay int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithFreeScansPerDay sets the daily free quota (default 1).
func WithFreeScansPerDay(n int) Option {
	return func(s *Store) { s.freePerDay = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the SQLite database at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps quota updates ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, freePerDay: 1, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// FreeScansPerDay returns the configured daily free quota.
func (s *Store) FreeScansPerDay() int { return s.freePerDay }

func (s *Store) today() string { return s.now().Format(dateLayout) }

// CanScan reports whether userID may run another scan, creating the user on
// first sight. A new day resets the daily counter and an expired premium
// window is downgraded before the check.
func (s *Store) CanScan(ctx context.Context, userID, ip string) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	today := s.today()
	if err := ensureUser(ctx, tx, userID, ip, today); err != nil {
		return Status{}, err
	}

	var (
		daily    int
		premium  bool
		expires  sql.NullString
		lastDate sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT daily_scans, is_premium, premium_expires, last_scan_date
		FROM usage WHERE user_id = ?`, userID,
	).Scan(&daily, &premium, &expires, &lastDate)
	if err != nil {
		return Status{}, fmt.Errorf("read user: %w", err)
	}

	if lastDate.String != today {
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage SET daily_scans = 0, last_scan_date = ? WHERE user_id = ?`, today, userID); err != nil {
			return Status{}, fmt.Errorf("reset daily scans: %w", err)
		}
		daily = 0
	}

	if premium {
		if s.premiumActive(expires.String) {
			if err := tx.Commit(); err != nil {
				return Status{}, fmt.Errorf("commit: %w", err)
			}
			return Status{
				CanScan:        true,
				UserType:       UserPremium,
				ScansUsed:      daily,
				ScansLeft:      Unlimited,
				PremiumExpires: expires.String,
			}, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage SET is_premium = 0, premium_expires = NULL WHERE user_id = ?`, userID); err != nil {
			return Status{}, fmt.Errorf("downgrade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Status{}, fmt.Errorf("commit: %w", err)
	}

	st := Status{UserType: UserFree, ScansUsed: daily}
	if daily < s.freePerDay {
		st.CanScan = true
		st.ScansLeft = Quota(s.freePerDay - daily)
	} else {
		st.Reason = ReasonDailyLimit
	}
	return st, nil
}

// premiumActive reports whether an expiry date lies in the future. The
// window ends at the start of the expiry day.
func (s *Store) premiumActive(expires string) bool {
	if expires == "" {
		return false
	}
	now := s.now()
	t, err := time.ParseInLocation(dateLayout, expires, now.Location())
	if err != nil {
		return false
	}
	return t.After(now)
}

// RecordScan counts one completed scan for today. The counter only moves
// while the user is premium or still under the free quota, so concurrent
// scans that all passed CanScan cannot overrun it; the loser gets
// ErrQuotaExceeded.
func (s *Store) RecordScan(ctx context.Context, userID string) error {
	today := s.today()
	if err := ensureUser(ctx, s.db, userID, "", today); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE usage
		SET daily_scans = CASE WHEN last_scan_date = ? THEN daily_scans + 1 ELSE 1 END,
		    total_scans = total_scans + 1,
		    last_scan_date = ?
		WHERE user_id = ?
		  AND ((is_premium = 1 AND premium_expires > ?)
		    OR CASE WHEN last_scan_date = ? THEN daily_scans ELSE 0 END < ?)`,
		today, today, userID, today, today, s.freePerDay)
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	if n == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// ResetDaily clears today's counter for userID.
func (s *Store) ResetDaily(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage SET daily_scans = 0, last_scan_date = ? WHERE user_id = ?`, s.today(), userID)
	if err != nil {
		return fmt.Errorf("reset daily scans: %w", err)
	}
	return requireRow(res)
}

// Upgrade grants premium for months*30 days from today and returns the
// expiry date. Unknown users are created.
func (s *Store) Upgrade(ctx context.Context, userID string, months int) (string, error) {
	if months < 1 {
		return "", fmt.Errorf("upgrade: months must be positive, got %d", months)
	}
	if err := ensureUser(ctx, s.db, userID, "", s.today()); err != nil {
		return "", err
	}
	expires := s.now().AddDate(0, 0, daysPerMonth*months).Format(dateLayout)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE usage SET is_premium = 1, premium_expires = ? WHERE user_id = ?`, expires, userID); err != nil {
		return "", fmt.Errorf("upgrade: %w", err)
	}
	return expires, nil
}

// Downgrade removes premium from userID.
func (s *Store) Downgrade(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage SET is_premium = 0, premium_expires = NULL WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("downgrade: %w", err)
	}
	return requireRow(res)
}

// Get returns the stored row for userID.
func (s *Store) Get(ctx context.Context, userID string) (*User, error) {
	var (
		u        User
		lastDate sql.NullString
		expires  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, ip_address, daily_scans, total_scans, last_scan_date,
		       is_premium, premium_expires, created_at
		FROM usage WHERE user_id = ?`, userID,
	).Scan(&u.UserID, &u.IPAddress, &u.DailyScans, &u.TotalScans, &lastDate,
		&u.Premium, &expires, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.LastScanDate = lastDate.String
	u.PremiumExpires = expires.String
	return &u, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureUser(ctx context.Context, db execer, userID, ip, today string) error {
	if ip == "" {
		ip = "unknown"
	}
	if _, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage (user_id, ip_address, daily_scans, total_scans, last_scan_date)
		VALUES (?, ?, 0, 0, ?)`, userID, ip, today); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
