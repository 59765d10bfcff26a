package auth

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenLifetime bounds how long a signed call may be replayed.
const TokenLifetime = 60 * time.Second

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// CallClaims authenticate a single internal RPC call. The token is bound to
// the request method, path and body.
type CallClaims struct {
	Method   string `json:"mth"`
	Path     string `json:"pth"`
	BodyHash string `json:"bsh"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies RPC call tokens.
type JWTService struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	issuer     string
	now        func() time.Time
}

// NewJWTService creates a new JWT service with the given key pair.
func NewJWTService(keyPair *KeyPair, issuer string) *JWTService {
	return NewJWTServiceFromKeys(keyPair.PrivateKey, keyPair.PublicKey, issuer)
}

// NewJWTServiceFromKeys creates a JWT service from separate keys. A service
// without a private key can only verify.
func NewJWTServiceFromKeys(privateKey *ecdsa.PrivateKey, publicKey *ecdsa.PublicKey, issuer string) *JWTService {
	return &JWTService{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		now:        time.Now,
	}
}

// HashBody returns the hex SHA-256 of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignCall creates a token for one request issued by caller.
func (s *JWTService) SignCall(caller, method, path string, body []byte) (string, error) {
	if s.privateKey == nil {
		return "", fmt.Errorf("no signing key loaded")
	}

	now := s.now()
	claims := &CallClaims{
		Method:   method,
		Path:     path,
		BodyHash: HashBody(body),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   caller,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// VerifyCall checks a token against the request it arrived with.
func (s *JWTService) VerifyCall(tokenString, method, path string, body []byte) (*CallClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CallClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CallClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.IssuedAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) > TokenLifetime {
		return nil, fmt.Errorf("%w: lifetime too long", ErrInvalidToken)
	}
	if claims.Method != method || claims.Path != path {
		return nil, fmt.Errorf("%w: request mismatch", ErrInvalidToken)
	}
	if subtle.ConstantTimeCompare([]byte(claims.BodyHash), []byte(HashBody(body))) != 1 {
		return nil, fmt.Errorf("%w: body mismatch", ErrInvalidToken)
	}

	return claims, nil
}
