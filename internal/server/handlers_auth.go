package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

const otpTTL = 10 * time.Minute

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type googleSignInRequest struct {
	IDToken string `json:"id_token"`
}

type phoneRequest struct {
	Phone string `json:"phone"`
}

type phoneVerifyRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code"`
}

func (a *App) register(c *gin.Context) {
	var payload registerRequest
	if !mustJSON(c, &payload) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(c, http.StatusBadRequest, "A valid email is required")
		return
	}
	if len(payload.Password) < 8 {
		writeError(c, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(c, http.StatusBadRequest, "Name is required")
		return
	}
	language := strings.TrimSpace(payload.Language)
	if language == "" {
		language = "en"
	}

	var existing string
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id FROM "User" WHERE email = $1`,
		email,
	).Scan(&existing)
	if err == nil {
		writeError(c, http.StatusConflict, "Email already registered")
		return
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	userID := uuid.NewString()
	if _, err := a.db.Exec(
		c.Request.Context(),
		`INSERT INTO "User" (
			id, email, name, password, plan, language,
			"messagesThisMonth", "imagesThisMonth", "voiceMinutesThisMonth", "usagePeriodStart",
			"createdAt", "updatedAt"
		) VALUES ($1, $2, $3, $4, 'FREE', $5, 0, 0, 0, NOW(), NOW(), NOW())`,
		userID,
		email,
		name,
		string(passwordHash),
		language,
	); err != nil {
		logrus.Errorf("register insert failed err=%v", err)
		writeError(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	a.respondWithToken(c, http.StatusCreated, userID)
}

func (a *App) login(c *gin.Context) {
	var payload loginRequest
	if !mustJSON(c, &payload) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(payload.Email))
	var userID string
	var passwordHash *string
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, password FROM "User" WHERE email = $1`,
		email,
	).Scan(&userID, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && passwordHash == nil) {
		writeError(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to sign in")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(*passwordHash), []byte(payload.Password)) != nil {
		writeError(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	a.respondWithToken(c, http.StatusOK, userID)
}

func (a *App) googleSignIn(c *gin.Context) {
	var payload googleSignInRequest
	if !mustJSON(c, &payload) {
		return
	}
	if strings.TrimSpace(payload.IDToken) == "" {
		writeError(c, http.StatusBadRequest, "id_token is required")
		return
	}
	if a.cfg.GoogleOAuthClientID == "" {
		writeError(c, http.StatusServiceUnavailable, "Google sign-in is not configured")
		return
	}

	claims, err := idtoken.Validate(c.Request.Context(), payload.IDToken, a.cfg.GoogleOAuthClientID)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "Invalid Google token")
		return
	}

	email := strings.ToLower(strings.TrimSpace(toString(claims.Claims["email"])))
	if email == "" {
		writeError(c, http.StatusUnauthorized, "Google token has no email")
		return
	}
	name := strings.TrimSpace(toString(claims.Claims["name"]))
	if name == "" {
		name = email
	}

	userID, err := a.findOrCreateExternalUser(c.Request.Context(), email, name)
	if err != nil {
		logrus.Errorf("google sign-in upsert failed err=%v", err)
		writeError(c, http.StatusInternalServerError, "Failed to sign in")
		return
	}

	a.respondWithToken(c, http.StatusOK, userID)
}

func (a *App) requestPhoneOTP(c *gin.Context) {
	var payload phoneRequest
	if !mustJSON(c, &payload) {
		return
	}
	phone := normalizePhone(payload.Phone)
	if phone == "" {
		writeError(c, http.StatusBadRequest, "A valid phone number is required")
		return
	}

	code, err := generateOTP()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to generate verification code")
		return
	}
	expiresAt := time.Now().UTC().Add(otpTTL)

	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "User"
		 SET "otpCode" = $2, "otpExpiresAt" = $3, "updatedAt" = NOW()
		 WHERE phone = $1`,
		phone,
		code,
		expiresAt,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store verification code")
		return
	}
	if tag.RowsAffected() == 0 {
		if _, err := a.db.Exec(
			c.Request.Context(),
			`INSERT INTO "User" (
				id, phone, name, plan, language,
				"messagesThisMonth", "imagesThisMonth", "voiceMinutesThisMonth", "usagePeriodStart",
				"otpCode", "otpExpiresAt", "createdAt", "updatedAt"
			) VALUES ($1, $2, $3, 'FREE', 'en', 0, 0, 0, NOW(), $4, $5, NOW(), NOW())`,
			uuid.NewString(),
			phone,
			phone,
			code,
			expiresAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to store verification code")
			return
		}
	}

	// No SMS gateway is wired up; outside production the code lands in the
	// server log so development and staging flows still work end to end.
	// Production logs must never carry a live credential.
	if strings.EqualFold(strings.TrimSpace(a.cfg.AppEnv), "production") {
		logrus.Infof("phone verification code issued phone=%s", phone)
	} else {
		logrus.Infof("phone verification code issued phone=%s code=%s", phone, code)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Verification code sent"})
}

func (a *App) verifyPhoneOTP(c *gin.Context) {
	var payload phoneVerifyRequest
	if !mustJSON(c, &payload) {
		return
	}
	phone := normalizePhone(payload.Phone)
	code := strings.TrimSpace(payload.Code)
	if phone == "" || code == "" {
		writeError(c, http.StatusBadRequest, "Phone and code are required")
		return
	}

	var userID string
	var storedCode *string
	var expiresAt *time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, "otpCode", "otpExpiresAt" FROM "User" WHERE phone = $1`,
		phone,
	).Scan(&userID, &storedCode, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusUnauthorized, "Invalid verification code")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to verify code")
		return
	}

	if storedCode == nil || *storedCode != code || expiresAt == nil || time.Now().After(*expiresAt) {
		writeError(c, http.StatusUnauthorized, "Invalid verification code")
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "User" SET "otpCode" = NULL, "otpExpiresAt" = NULL, "updatedAt" = NOW() WHERE id = $1`,
		userID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to verify code")
		return
	}

	a.respondWithToken(c, http.StatusOK, userID)
}

func (a *App) me(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	snapshot, err := a.loadUsage(c.Request.Context(), a.db, user.ID, time.Now())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":  authUserMap(user),
		"usage": usageMap(snapshot),
	})
}

func (a *App) findOrCreateExternalUser(ctx context.Context, email, name string) (string, error) {
	var userID string
	err := a.db.QueryRow(ctx, `SELECT id FROM "User" WHERE email = $1`, email).Scan(&userID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	userID = uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "User" (
			id, email, name, plan, language,
			"messagesThisMonth", "imagesThisMonth", "voiceMinutesThisMonth", "usagePeriodStart",
			"createdAt", "updatedAt"
		) VALUES ($1, $2, $3, 'FREE', 'en', 0, 0, 0, NOW(), NOW(), NOW())`,
		userID,
		email,
		name,
	); err != nil {
		return "", err
	}
	return userID, nil
}

func (a *App) respondWithToken(c *gin.Context, status int, userID string) {
	token, err := a.issueToken(userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	user, err := a.loadAuthUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load account")
		return
	}

	c.JSON(status, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"user":         authUserMap(user),
	})
}

func (a *App) issueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(a.cfg.JWTTTLHours) * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

func authUserMap(user AuthUser) gin.H {
	result := gin.H{
		"id":       user.ID,
		"name":     user.Name,
		"plan":     strings.ToLower(normalizePlan(user.Plan)),
		"language": user.Language,
	}
	if user.Email != nil {
		result["email"] = *user.Email
	}
	if user.Phone != nil {
		result["phone"] = *user.Phone
	}
	return result
}

func normalizePhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if len(strings.TrimPrefix(normalized, "+")) < 7 {
		return ""
	}
	return normalized
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
