package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifierConfig holds configuration for TokenVerifier.
type TokenVerifierConfig struct {
	// Issuer is the expected token issuer (iss claim).
	Issuer string `json:"issuer"`
	// PublicKey is the PEM-encoded public key for signature
	// verification (base64-encoded PEM block).
	PublicKey string `json:"publicKey"`
}

// TokenVerifier verifies signed user-info tokens from the identity
// provider and extracts the user snapshot from their claims.
type TokenVerifier struct {
	issuer    string
	publicKey any
}

// NewTokenVerifier creates a TokenVerifier from the given configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	pubKey, err := parsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	return &TokenVerifier{
		issuer:    cfg.Issuer,
		publicKey: pubKey,
	}, nil
}

// parsePublicKey parses a PEM-encoded public key.
// pemDataB64 is base64 encoded.
func parsePublicKey(pemDataB64 string) (any, error) {
	pemData, err := base64.StdEncoding.DecodeString(pemDataB64)
	if err != nil {
		return nil, errors.New("failed to decode base64 PEM block")
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		return pub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return rsaPub, nil
	}

	return nil, errors.New("unsupported public key format")
}

// Verify validates the token and returns the user snapshot it carries.
func (v *TokenVerifier) Verify(tokenString string) (*UserInfo, error) {
	token, err := v.parseAndVerify(tokenString)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	issuer, _ := claims["iss"].(string)
	if issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, issuer)
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user := &UserInfo{
		ID:       userID,
		SignedIn: true,
	}
	if name, ok := claims["name"].(string); ok {
		user.DisplayName = name
	}
	if photo, ok := claims["picture"].(string); ok {
		user.PhotoURL = photo
	}
	if registered, ok := claims["registered"].(bool); ok {
		user.Registered = registered
	}

	return user, nil
}

// parseAndVerify parses the token and verifies the signature.
func (v *TokenVerifier) parseAndVerify(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		switch v.publicKey.(type) {
		case *rsa.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		case *ecdsa.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		case ed25519.PublicKey:
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return token, nil
}

// TokenSigner issues signed user-info tokens. The companion engine only
// verifies tokens; the signer exists for the provider side of the feed
// and for tests.
type TokenSigner struct {
	issuer string
	key    any
	method jwt.SigningMethod
}

// NewTokenSigner creates a TokenSigner from a PKCS#8 PEM private key.
func NewTokenSigner(issuer string, privateKeyPEM []byte) (*TokenSigner, error) {
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	var method jwt.SigningMethod
	switch key.(type) {
	case *rsa.PrivateKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		method = jwt.SigningMethodES256
	case ed25519.PrivateKey:
		method = jwt.SigningMethodEdDSA
	default:
		return nil, errors.New("unsupported private key type")
	}

	return &TokenSigner{issuer: issuer, key: key, method: method}, nil
}

// Sign issues a token carrying the user snapshot, valid for ttl
// (0 means no expiry claim).
func (s *TokenSigner) Sign(user *UserInfo, ttl time.Duration) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("user with id is required")
	}

	claims := jwt.MapClaims{
		"iss":        s.issuer,
		"sub":        user.ID,
		"registered": user.Registered,
		"iat":        time.Now().Unix(),
	}
	if user.DisplayName != "" {
		claims["name"] = user.DisplayName
	}
	if user.PhotoURL != "" {
		claims["picture"] = user.PhotoURL
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}

	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}
