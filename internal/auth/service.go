package auth

import (
	"context"
	"errors"
	"time"

	"backend-transittrack/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

// Claims identify the driver operating this device.
type Claims struct {
	DriverID string `json:"driver_id"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Service issues and validates driver tokens. Refresh tokens are recorded
// in Postgres so they can be revoked server-side.
type Service struct {
	secret []byte
	db     db.Querier
}

func NewService(secret string, q db.Querier) *Service {
	return &Service{secret: []byte(secret), db: q}
}

// IssueToken signs an access token for driverID.
func IssueToken(secret, driverID string, ttl time.Duration) (string, error) {
	if driverID == "" {
		return "", errors.New("driver id required")
	}
	now := time.Now()
	claims := Claims{
		DriverID: driverID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   driverID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Service) GenerateTokens(ctx context.Context, driverID string) (TokenResponse, error) {
	access, err := IssueToken(string(s.secret), driverID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	refresh, err := IssueToken(string(s.secret), driverID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.saveRefreshToken(ctx, refresh, driverID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := parseToken(s.secret, token)
	if err != nil {
		return "", err
	}
	driverID, expiresAt, err := s.lookupRefreshToken(ctx, token)
	if err != nil || driverID != claims.DriverID || time.Now().After(expiresAt) {
		return "", errors.New("refresh token invalid")
	}
	return claims.DriverID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := parseToken(s.secret, token)
	if err != nil {
		return "", err
	}
	return claims.DriverID, nil
}

func parseToken(secret []byte, token string) (*Claims, error) {
	parsed, err := parseClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DriverID == "" {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

var parseClaimsFn = jwt.ParseWithClaims

func (s *Service) saveRefreshToken(ctx context.Context, token, driverID string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, driver_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), driverID, token, time.Now().Add(ttl))
	return err
}

func (s *Service) lookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT driver_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var driverID string
	var expiresAt time.Time
	if err := row.Scan(&driverID, &expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return driverID, expiresAt, nil
}
