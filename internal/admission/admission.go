package admission

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
)

// CredentialStore resolves the bearer token on an incoming request to a
// UserID by comparing against stored argon2id digests (spec §4.9).
type CredentialStore interface {
	Authenticate(ctx context.Context, bearerToken string) (domain.UserID, error)
	TouchLastSeen(ctx context.Context, user domain.UserID, at time.Time) error
}

var _ CredentialStore = (*sqliteCredentialStore)(nil)

// sqliteCredentialStore holds a single operator credential per deployment
// (this is a self-hosted single-tenant server, spec §1): the digest and
// owning UserID live in config, not a multi-row table; credentials_usage
// only tracks last_seen_at for observability.
type sqliteCredentialStore struct {
	db            *sql.DB
	owner         domain.UserID
	credentialDigest string
}

// NewCredentialStore builds a CredentialStore for the single configured
// operator credential.
func NewCredentialStore(db *sql.DB, owner domain.UserID, credentialDigest string) CredentialStore {
	return &sqliteCredentialStore{db: db, owner: owner, credentialDigest: credentialDigest}
}

func (s *sqliteCredentialStore) Authenticate(ctx context.Context, bearerToken string) (domain.UserID, error) {
	ok, err := VerifyCredential(bearerToken, s.credentialDigest)
	if err != nil || !ok {
		return domain.ZeroID, halerrors.New(halerrors.Unauthorized, "invalid credential", nil)
	}
	return s.owner, nil
}

func (s *sqliteCredentialStore) TouchLastSeen(ctx context.Context, user domain.UserID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials_usage (user_id, last_seen_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		user.String(), at.UnixMilli())
	return err
}

// CredentialEntry is one configured operator credential (spec §6 security
// group: "credentials (digest list mapped to UserIds)").
type CredentialEntry struct {
	UserID domain.UserID
	Digest string
}

// multiCredentialStore supports more than one configured credential, each
// mapped to its own UserID, for deployments with multiple operators sharing
// one server instance.
type multiCredentialStore struct {
	db      *sql.DB
	entries []CredentialEntry
}

// NewMultiCredentialStore builds a CredentialStore over a fixed list of
// configured digests. Every entry is checked in constant time; which entry
// ends up matching never affects total comparison time across the list
// beyond the fixed number of entries, so only the list length (public
// configuration, not a secret) can leak via timing.
func NewMultiCredentialStore(db *sql.DB, entries []CredentialEntry) CredentialStore {
	return &multiCredentialStore{db: db, entries: entries}
}

func (s *multiCredentialStore) Authenticate(ctx context.Context, bearerToken string) (domain.UserID, error) {
	var matched *domain.UserID
	for _, e := range s.entries {
		ok, err := VerifyCredential(bearerToken, e.Digest)
		if err != nil {
			continue
		}
		if ok {
			id := e.UserID
			matched = &id
		}
	}
	if matched == nil {
		return domain.ZeroID, halerrors.New(halerrors.Unauthorized, "invalid credential", nil)
	}
	return *matched, nil
}

func (s *multiCredentialStore) TouchLastSeen(ctx context.Context, user domain.UserID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials_usage (user_id, last_seen_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		user.String(), at.UnixMilli())
	return err
}

// NewCorrelationID returns a fresh UUID for requests that arrive without an
// X-Request-Id header (spec §4.9).
func NewCorrelationID() string {
	return uuid.NewString()
}

// CorrelationIDFromRequest returns the caller-supplied X-Request-Id if
// present (any non-empty value is taken as is), otherwise a fresh one.
func CorrelationIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return NewCorrelationID()
}

// BearerToken extracts the credential from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature (hex-encoded) over
// body using secret, in constant time. Webhook endpoints are exempt from
// bearer-credential auth but must still prove origin (spec §4.9, §6).
func VerifyWebhookSignature(body []byte, signatureHex string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	decoded, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, expected) == 1
}
