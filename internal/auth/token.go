package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/util"
)

type Claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Role  string `json:"role"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Palette holds the collaborator colors handed out when the identity
// provider does not choose one.
var Palette = []string{
	"#E8590C",
	"#2F9E44",
	"#1971C2",
	"#9C36B5",
	"#C2255C",
	"#0C8599",
	"#F08C00",
	"#5F3DC4",
}

// ColorFor returns a stable palette color for userID.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Identity is the collaborator identity carried by the claims.
func (c Claims) Identity() protocol.Identity {
	color := c.Color
	if color == "" {
		color = ColorFor(c.Sub)
	}
	return protocol.Identity{
		UserID:      c.Sub,
		DisplayName: c.Name,
		Color:       color,
		Role:        c.Role,
	}
}

// IssueFor signs a token for who that expires ttl after now.
func IssueFor(secret []byte, who protocol.Identity, ttl time.Duration, now time.Time) (string, Claims, error) {
	claims := Claims{
		Sub:   who.UserID,
		Name:  who.DisplayName,
		Color: who.Color,
		Role:  who.Role,
		JTI:   util.NewID("jti"),
		Exp:   now.Add(ttl).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
