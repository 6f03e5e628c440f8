package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jwt "github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "pairchat-relay"

var errNoToken = errors.New("no token")

type guestClaims struct {
	AnonID string `json:"anon_id"`
	jwt.RegisteredClaims
}

// generateJWT signs a guest token carrying the anonymous id.
func (h *Handler) generateJWT(anonID string) (string, error) {
	now := time.Now()
	claims := guestClaims{
		AnonID: anonID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.jwtTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// validateAndGetAnonID verifies signature, expiry and issuer and returns the anonymous id.
func (h *Handler) validateAndGetAnonID(tokenString string) (string, error) {
	var claims guestClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if claims.AnonID == "" {
		return "", fmt.Errorf("token has no anon_id")
	}
	return claims.AnonID, nil
}

// tokenFromRequest reads a guest token from the `token` query parameter or a Bearer header.
// Browsers cannot set headers on websocket requests, hence the query form.
func tokenFromRequest(r *http.Request) (string, error) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errNoToken
	}
	t, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || t == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return t, nil
}

// GetAnonID creates an anonymous id and returns it with a signed guest token.
func (h *Handler) GetAnonID(c *gin.Context) {
	anonID := uuid.NewString()

	token, err := h.generateJWT(anonID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to sign guest token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "anon_id": anonID})
}
