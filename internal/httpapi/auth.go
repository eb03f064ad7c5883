package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
)

const tokenIssuer = "posledger"

// AuthManager signs and verifies operator tokens and checks the manager PIN.
// It carries identity only; user accounts live outside this service.
type AuthManager struct {
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
}

type operatorClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	// An empty PIN stays empty and unhashed, so every attempt fails.
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" {
		hashedPIN, err := hashPassword(managerPIN)
		if err != nil {
			managerPIN = ""
		} else {
			managerPIN = hashedPIN
		}
	}

	return &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
	}
}

// IssueToken signs a bearer token for an operator.
func (a *AuthManager) IssueToken(username string, role string) (string, time.Time, error) {
	username = strings.TrimSpace(username)
	role = strings.ToLower(strings.TrimSpace(role))
	if username == "" {
		return "", time.Time{}, errors.New("username is required")
	}
	if !isKnownRole(role) {
		return "", time.Time{}, errors.New("unknown role")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, role, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &operatorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := operatorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.managerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.managerPIN), []byte(input)) == nil
}

func isKnownRole(role string) bool {
	switch role {
	case domain.RoleCashier, domain.RoleManager, domain.RoleAdmin:
		return true
	default:
		return false
	}
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
