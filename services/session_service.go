package services

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupmesh/utils"
)

// SessionService mints and verifies session tokens. There is no identity
// verification behind them (names are self-asserted), but the token lets a
// reconnecting client resume as the same user id.
type SessionService struct {
	secret string
	ttl    time.Duration
}

func NewSessionService(secret string, ttlHours int) *SessionService {
	return &SessionService{
		secret: secret,
		ttl:    time.Duration(ttlHours) * time.Hour,
	}
}

// Create validates the asserted name and returns a signed token plus the
// minted user id.
func (s *SessionService) Create(userName string) (token, userID string, err error) {
	name := strings.TrimSpace(userName)
	if name == "" {
		return "", "", errors.New("user name is required")
	}
	if len(name) > 32 {
		return "", "", errors.New("user name too long (maximum 32 characters)")
	}

	userID = "usr_" + uuid.NewString()
	token, err = utils.GenerateJWT(s.secret, userID, name, s.ttl)
	return token, userID, err
}

// Verify returns the user id and name carried by the token.
func (s *SessionService) Verify(token string) (userID, userName string, err error) {
	return utils.ParseJWT(s.secret, token)
}
