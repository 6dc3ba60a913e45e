package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errBadPassword = errors.New("invalid password")

// authority trades the shared password for signed bearer tokens and guards
// handlers that mutate state. With no password configured everything is
// open.
type authority struct {
	password string
	secret   []byte
	tokenTtl time.Duration
}

func newAuthority(password string, jwtSecret string, tokenTtl time.Duration) *authority {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		// per-process secret: tokens do not survive a restart
		buf := make([]byte, 32)
		rand.Read(buf)
		secret = []byte(hex.EncodeToString(buf))
	}
	return &authority{
		password: strings.TrimSpace(password),
		secret:   secret,
		tokenTtl: tokenTtl,
	}
}

func (self *authority) enabled() bool {
	return self.password != ""
}

func (self *authority) verify(password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(self.password)) != 1 {
		return "", errBadPassword
	}
	claims := jwt.RegisteredClaims{
		Subject:   "markpad",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(self.tokenTtl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}

func (self *authority) validate(tokenString string) error {
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return self.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// require wraps a handler with the bearer check. A no-op when no password is
// configured.
func (self *authority) require(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !self.enabled() {
			handler(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization required")
			return
		}
		if err := self.validate(tokenString); err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		handler(w, r)
	}
}
