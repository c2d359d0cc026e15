package sso

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenNotFound = errors.New("sso: token not found")
	ErrTokenConsumed = errors.New("sso: token already consumed")
)

const tokenKeyPrefix = "sso-"

// Token is a single-use login grant minted on the canonical domain and
// redeemed on the mapped one. ID keeps concurrently minted tokens for the
// same target distinct; second-granularity time alone would collide.
type Token struct {
	Back string `json:"back"`
	Site int64  `json:"site"`
	User int64  `json:"user"`
	Time int64  `json:"time"`
	ID   string `json:"jti"`
}

// TokenStore keeps tokens attached to the owning user's record, keyed by an
// unpredictable hash of the token contents.
type TokenStore struct {
	db     *sql.DB
	secret []byte
	now    func() time.Time
}

func NewTokenStore(db *sql.DB, secret string) *TokenStore {
	return &TokenStore{db: db, secret: []byte(secret), now: time.Now}
}

// Mint creates and persists a token for the user, returning the lookup key
// handed to the browser.
func (s *TokenStore) Mint(ctx context.Context, user, site int64, back string) (string, error) {
	tok := Token{Back: back, Site: site, User: user, Time: s.now().Unix(), ID: uuid.NewString()}
	payload, err := json.Marshal(tok)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	key := hex.EncodeToString(mac.Sum(nil))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_tokens (user_id, token_key, payload, created_at) VALUES ($1,$2,$3,$4)`,
		user, tokenKeyPrefix+key, string(payload), tok.Time)
	if err != nil {
		return "", err
	}
	return key, nil
}

// Consume fetches and deletes the token in one pass. The delete's affected
// count is authoritative: when two redemptions race, exactly one observes a
// deleted row and wins; the loser gets ErrTokenConsumed. Expiry and site
// binding are deliberately NOT checked here — the token must be burned
// before those checks to keep the replay window minimal.
func (s *TokenStore) Consume(ctx context.Context, key string) (Token, error) {
	var (
		userID  int64
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, payload FROM user_tokens WHERE token_key=$1`, tokenKeyPrefix+key).
		Scan(&userID, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrTokenNotFound
		}
		return Token{}, err
	}
	if payload == "" {
		return Token{}, ErrTokenConsumed
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_tokens WHERE user_id=$1 AND token_key=$2`, userID, tokenKeyPrefix+key)
	if err != nil {
		return Token{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Token{}, ErrTokenConsumed
	}

	var tok Token
	if err := json.Unmarshal([]byte(payload), &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}
