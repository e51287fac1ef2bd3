package handlers

import (
	"fmt"
	"net/http"
	"time"

	"yldr-backend/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// AdminAuthHandler authenticates operators: password plus TOTP, returning a
// short-lived JWT for the admin route group. Secrets come from the
// environment via config; nothing is stored in the database.
type AdminAuthHandler struct {
	cfg *config.AdminConfig
}

type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

type AdminLoginResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

// AdminJWTClaims carried in the admin bearer token.
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewAdminAuthHandler(cfg *config.AdminConfig) *AdminAuthHandler {
	if cfg.TOTPSecret == "" || cfg.Password == "" {
		logrus.Warn("⚠️ ADMIN_TOTP_SECRET or ADMIN_PASSWORD not set, admin login will refuse all requests")
	}
	if cfg.JWTSecret == "" {
		logrus.Warn("⚠️ ADMIN_JWT_SECRET not set, admin login will refuse all requests")
	}
	return &AdminAuthHandler{cfg: cfg}
}

// Login validates credentials and issues an admin JWT.
// POST /api/admin/login
func (h *AdminAuthHandler) Login(c *gin.Context) {
	if h.cfg.TOTPSecret == "" || h.cfg.Password == "" || h.cfg.JWTSecret == "" {
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			OK:      false,
			Message: "Server misconfiguration: admin secrets not set",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, AdminLoginResponse{
			OK:      false,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Generic message on every credential failure.
	if req.Username != h.cfg.Username || req.Password != h.cfg.Password {
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{OK: false, Message: "Invalid credentials"})
		return
	}
	if !totp.Validate(req.TOTPCode, h.cfg.TOTPSecret) {
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{OK: false, Message: "Invalid TOTP code"})
		return
	}

	token, err := GenerateAdminJWT(h.cfg.JWTSecret, req.Username, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{OK: false, Message: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, AdminLoginResponse{OK: true, Token: token, Message: "Login successful"})
}

// GenerateTOTPSecret creates a fresh TOTP secret for initial setup. Refused
// once a secret is configured.
// POST /api/admin/totp/generate
func (h *AdminAuthHandler) GenerateTOTPSecret(c *gin.Context) {
	if h.cfg.TOTPSecret != "" {
		c.JSON(http.StatusForbidden, gin.H{
			"ok":    false,
			"error": "TOTP secret already configured in environment",
		})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "YLDR Admin",
		AccountName: "admin@yldr",
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Failed to generate TOTP secret"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"secret":  key.Secret(),
		"url":     key.URL(),
		"message": "Save this secret to the ADMIN_TOTP_SECRET env var and use it to generate codes.",
	})
}

// GenerateAdminJWT signs an admin bearer token.
func GenerateAdminJWT(secret, username string, ttl time.Duration) (string, error) {
	claims := AdminJWTClaims{
		Username: username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "yldr-backend-admin",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAdminJWT parses and verifies an admin bearer token.
func ValidateAdminJWT(secret, tokenString string) (*AdminJWTClaims, error) {
	if secret == "" {
		return nil, fmt.Errorf("admin JWT secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
