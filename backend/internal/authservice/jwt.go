package authservice

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess = "access"

	AnonymousColor = "#8b5cf6"
	UserColor      = "#06b6d4"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims 用户 id 放在 RegisteredClaims.Subject（"sub"）
type Claims struct {
	Username  string `json:"username"`
	Anonymous bool   `json:"anon,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity 签发结果，同时也是 POST /auth/anonymous 的响应体
type Identity struct {
	Token       string    `json:"token"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	IsAnonymous bool      `json:"isAnonymous"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Issuer HS256 签发与校验
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if secret == "" {
		secret = "dev-secret"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (i *Issuer) Sign(userID, username string, anonymous bool) (Identity, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	// jwt.NewWithClaims 接收指针
	claims := &Claims{
		Username:  username,
		Anonymous: anonymous,
		Type:      TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Token: token, UserID: userID, Username: username, IsAnonymous: anonymous, ExpiresAt: exp.UTC()}, nil
}

// IssueAnonymous 为匿名访客生成身份；name 为空时用默认名
func (i *Issuer) IssueAnonymous(name string) (Identity, error) {
	id := NewAnonymousID()
	if name == "" {
		name = AnonymousName(id)
	}
	return i.Sign(id, name, true)
}

// Verify 解析并校验 access token
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || claims.Subject == "" {
		return nil, fmt.Errorf("%w: wrong token type or subject", ErrInvalidToken)
	}
	return claims, nil
}

// NewAnonymousID anon_ + 12 位十六进制
func NewAnonymousID() string {
	return "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// AnonymousName Guest- + id 末 4 位
func AnonymousName(id string) string {
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return "Guest-" + id
}

// Refresh 用仍然有效的 token 换一个新的，身份不变
func (i *Issuer) Refresh(tokenString string) (Identity, error) {
	claims, err := i.Verify(tokenString)
	if err != nil {
		return Identity{}, err
	}
	return i.Sign(claims.Subject, claims.Username, claims.Anonymous)
}

// IdentityOf 从已校验的 claims 还原身份（不含 token）
func IdentityOf(c *Claims) Identity {
	id := Identity{UserID: c.Subject, Username: c.Username, IsAnonymous: c.Anonymous}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return id
}
