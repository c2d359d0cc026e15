package platform

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookie is the per-origin login cookie. Sessions are never shared
// across origins; the SSO handshake re-establishes them per domain instead.
const SessionCookie = "platform_session"

type Sessions struct{ hmac []byte }

func NewSessions(secret string) *Sessions { return &Sessions{hmac: []byte(secret)} }

type sessionClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

func (s *Sessions) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    "domainmap",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(14 * 24 * time.Hour)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.hmac)
}

func (s *Sessions) parse(tokenStr string) (int64, bool) {
	token, err := jwt.ParseWithClaims(tokenStr, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.hmac, nil
	})
	if err != nil || !token.Valid {
		return 0, false
	}
	c, ok := token.Claims.(*sessionClaims)
	if !ok || c.UserID <= 0 {
		return 0, false
	}
	return c.UserID, true
}

// UserFromRequest returns the authenticated user ID for this origin, or
// (0, false) for anonymous viewers.
func (s *Sessions) UserFromRequest(r *http.Request) (int64, bool) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return 0, false
	}
	return s.parse(c.Value)
}

// SetAuthCookie establishes a session for the user on the given cookie
// domain. An empty domain scopes the cookie to the request host.
func (s *Sessions) SetAuthCookie(w http.ResponseWriter, userID int64, domain string) error {
	tok, err := s.Issue(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    tok,
		Domain:   domain,
		Path:     "/",
		Expires:  time.Now().Add(14 * 24 * time.Hour),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
