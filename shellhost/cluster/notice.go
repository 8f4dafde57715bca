package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidNotice is returned for control messages that are not a valid,
// correctly signed notice from the expected worker.
var ErrInvalidNotice = errors.New("invalid control notice")

// NoticeClaims is the payload of a worker's withdrawal notice.
type NoticeClaims struct {
	WorkerID string `json:"wid"`
	Reason   string `json:"reason"`
	jwt.RegisteredClaims
}

// SignNotice produces a withdrawal notice signed with the per-boot control
// secret shared between the supervisor and its workers.
func SignNotice(secret, workerID, reason string) (string, error) {
	now := time.Now().UTC()
	claims := NoticeClaims{
		WorkerID: workerID,
		Reason:   reason,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign notice: %w", err)
	}
	return signed, nil
}

// ParseNotice verifies a notice and checks it was issued by workerID.
func ParseNotice(secret, workerID, tokenString string) (*NoticeClaims, error) {
	var claims NoticeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotice, err)
	}
	if !token.Valid {
		return nil, ErrInvalidNotice
	}
	if claims.WorkerID != workerID {
		return nil, fmt.Errorf("%w: issued by %q, expected %q", ErrInvalidNotice, claims.WorkerID, workerID)
	}
	return &claims, nil
}
