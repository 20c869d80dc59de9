package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/db"
)

const (
	operatorContextKey = "OperatorID"
	tokenTTL           = 72 * time.Hour
	minPasswordLen     = 8
)

// OperatorClaims represents JWT claims for authenticated operators.
type OperatorClaims struct {
	OperatorID string `json:"uid"`
	jwt.RegisteredClaims
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(operatorID, secret string, expiresAt time.Time) (string, error) {
	claims := OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims.OperatorID, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
			c.Abort()
			return
		}

		operatorID, err := parseToken(parts[1], secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(operatorContextKey, operatorID)
		c.Next()
	}
}

// CurrentOperatorID returns the authenticated operator ID from context.
func CurrentOperatorID(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (cr *credentials) bind(c *gin.Context) bool {
	if err := c.ShouldBindJSON(cr); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return false
	}
	cr.Email = strings.TrimSpace(cr.Email)
	if cr.Email == "" || cr.Password == "" {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "email and password are required")
		return false
	}
	return true
}

// registerOperator creates an operator account when self-registration is on.
func (s *Server) registerOperator(c *gin.Context) {
	if !s.opts.AllowRegistration {
		respondError(c, http.StatusForbidden, "REGISTRATION_DISABLED", "registration is disabled")
		return
	}
	if s.deps.Operators == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "operator store not available")
		return
	}
	var req credentials
	if !req.bind(c) {
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_EMAIL", "invalid email format")
		return
	}
	if len(req.Password) < minPasswordLen {
		respondError(c, http.StatusBadRequest, "WEAK_PASSWORD", "password must be at least 8 characters")
		return
	}

	ctx := c.Request.Context()
	existing, err := s.deps.Operators.GetOperatorByEmail(ctx, req.Email)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if existing != nil {
		respondError(c, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
		return
	}

	pwHash, err := hashPassword(req.Password)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to hash password")
		return
	}
	op := db.Operator{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: pwHash,
		CreatedAt:    time.Now(),
	}
	if err := s.deps.Operators.CreateOperator(ctx, op); err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.log.Info().Str("operator", op.ID).Str("email", op.Email).Msg("operator registered")

	c.JSON(http.StatusCreated, gin.H{"operator_id": op.ID})
}

// loginOperator exchanges credentials for a bearer token.
func (s *Server) loginOperator(c *gin.Context) {
	if s.deps.Operators == nil {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "operator store not available")
		return
	}
	var req credentials
	if !req.bind(c) {
		return
	}

	op, err := s.deps.Operators.GetOperatorByEmail(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if op == nil || checkPassword(op.PasswordHash, req.Password) != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	expiresAt := time.Now().Add(tokenTTL)
	token, err := generateToken(op.ID, s.opts.JWTSecret, expiresAt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
		"operator_id": op.ID,
	})
}
