package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rizzmate/backend/internal/config"
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type App struct {
	cfg config.Config
	db  *pgxpool.Pool
	ai  AIClient
}

type AuthUser struct {
	ID       string
	Email    *string
	Phone    *string
	Name     string
	Plan     string
	Language string
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	return &App{cfg: cfg, db: db, ai: NewOpenAIClient(cfg)}
}

// NewWithAIClient lets tests swap the upstream model client for a mock.
func NewWithAIClient(cfg config.Config, db *pgxpool.Pool, ai AIClient) *App {
	return &App{cfg: cfg, db: db, ai: ai}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)

	api.POST("/auth/register", a.register)
	api.POST("/auth/login", a.login)
	api.POST("/auth/google", a.googleSignIn)
	api.POST("/auth/phone/request", a.requestPhoneOTP)
	api.POST("/auth/phone/verify", a.verifyPhoneOTP)
	api.GET("/subscription/plans", a.listPlans)

	authed := api.Group("")
	authed.Use(a.authMiddleware())

	authed.GET("/auth/me", a.me)

	authed.POST("/profiles", a.createProfile)
	authed.GET("/profiles", a.listProfiles)
	authed.GET("/profiles/:profile_id", a.getProfile)
	authed.PUT("/profiles/:profile_id", a.updateProfile)
	authed.DELETE("/profiles/:profile_id", a.deleteProfile)
	authed.GET("/profiles/:profile_id/history", a.getProfileHistory)
	authed.GET("/profiles/:profile_id/stats", a.getProfileStats)

	authed.POST("/chat/text", a.chatText)
	authed.POST("/chat/image", a.chatImage)
	authed.POST("/chat/voice", a.chatVoice)
	authed.POST("/chat/screenshot", a.chatScreenshot)
	authed.GET("/chat/conversation/:profile_id", a.getConversation)
	authed.DELETE("/chat/conversation/:profile_id", a.clearConversationHandler)
	authed.GET("/chat/starters/:profile_id", a.getConversationStarters)

	authed.GET("/subscription/current", a.getCurrentSubscription)
	authed.POST("/subscription/confirm", a.confirmSubscription)
	authed.POST("/subscription/cancel", a.cancelSubscription)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "rizzmate-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}

		user, err := a.loadAuthUser(c.Request.Context(), sub)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "Account not found")
			return
		}

		c.Set("authUser", user)
		c.Next()
	}
}

func (a *App) loadAuthUser(ctx context.Context, userID string) (AuthUser, error) {
	user := AuthUser{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, email, phone, name, plan, language FROM "User" WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Email, &user.Phone, &user.Name, &user.Plan, &user.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, errors.New("user not found")
	}
	if err != nil {
		return AuthUser{}, err
	}
	return user, nil
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func mustMarshalJSON(payload any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

func toString(raw any) string {
	s, _ := raw.(string)
	return s
}
