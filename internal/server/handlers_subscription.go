package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

type planOffer struct {
	ID           string
	Name         string
	PriceUSD     float64
	Messages     int
	Images       int
	VoiceMinutes int
}

var planCatalog = []planOffer{
	{ID: "free", Name: "Free", PriceUSD: 0, Messages: 50, Images: 10, VoiceMinutes: 5},
	{ID: "pro", Name: "Pro", PriceUSD: 9.99, Messages: 500, Images: 100, VoiceMinutes: 60},
	{ID: "premium", Name: "Premium", PriceUSD: 19.99, Messages: planLimitUnlimited, Images: planLimitUnlimited, VoiceMinutes: planLimitUnlimited},
}

func (a *App) listPlans(c *gin.Context) {
	plans := make([]gin.H, 0, len(planCatalog))
	for _, offer := range planCatalog {
		plans = append(plans, gin.H{
			"id":        offer.ID,
			"name":      offer.Name,
			"price_usd": offer.PriceUSD,
			"limits": gin.H{
				"messages":      offer.Messages,
				"images":        offer.Images,
				"voice_minutes": offer.VoiceMinutes,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (a *App) getCurrentSubscription(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var plan string
	var startedAt, endsAt *time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT plan, "planStartedAt", "planEndsAt" FROM "User" WHERE id = $1`,
		user.ID,
	).Scan(&plan, &startedAt, &endsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Account not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load subscription")
		return
	}
	plan = normalizePlan(plan)

	// Expiry is applied lazily on read, the same way usage periods roll
	// over: a paid plan past its end date downgrades to FREE here.
	if plan != planFree && endsAt != nil && time.Now().After(*endsAt) {
		if _, err := a.db.Exec(
			c.Request.Context(),
			`UPDATE "User"
			 SET plan = 'FREE', "planStartedAt" = NULL, "planEndsAt" = NULL, "updatedAt" = NOW()
			 WHERE id = $1`,
			user.ID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load subscription")
			return
		}
		plan = planFree
		startedAt = nil
		endsAt = nil
	}

	snapshot, err := a.loadUsage(c.Request.Context(), a.db, user.ID, time.Now())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load subscription")
		return
	}

	body := gin.H{
		"plan":  strings.ToLower(plan),
		"usage": usageMap(snapshot),
	}
	if startedAt != nil {
		body["started_at"] = startedAt.UTC()
	}
	if endsAt != nil {
		body["ends_at"] = endsAt.UTC()
	}
	c.JSON(http.StatusOK, body)
}

type confirmSubscriptionRequest struct {
	Plan string `json:"plan"`
}

// confirmSubscription applies a plan change after payment has been handled
// out of band. The change resets the usage counters and opens a one-month
// billing window.
func (a *App) confirmSubscription(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload confirmSubscriptionRequest
	if !mustJSON(c, &payload) {
		return
	}

	plan := strings.ToUpper(strings.TrimSpace(payload.Plan))
	if plan != planPro && plan != planPremium {
		writeError(c, http.StatusBadRequest, "Plan must be pro or premium")
		return
	}

	now := time.Now().UTC()
	endsAt := now.AddDate(0, 1, 0)
	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "User"
		 SET plan = $2,
		     "planStartedAt" = $3,
		     "planEndsAt" = $4,
		     "messagesThisMonth" = 0,
		     "imagesThisMonth" = 0,
		     "voiceMinutesThisMonth" = 0,
		     "usagePeriodStart" = $3,
		     "updatedAt" = NOW()
		 WHERE id = $1`,
		user.ID,
		plan,
		now,
		endsAt,
	); err != nil {
		logrus.Errorf("subscription confirm failed user_id=%s err=%v", user.ID, err)
		writeError(c, http.StatusInternalServerError, "Failed to update subscription")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Subscription updated",
		"plan":       strings.ToLower(plan),
		"started_at": now,
		"ends_at":    endsAt,
	})
}

// cancelSubscription drops back to FREE immediately. Counters are kept;
// only the ceilings change.
func (a *App) cancelSubscription(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "User"
		 SET plan = 'FREE', "planStartedAt" = NULL, "planEndsAt" = NULL, "updatedAt" = NOW()
		 WHERE id = $1`,
		user.ID,
	); err != nil {
		logrus.Errorf("subscription cancel failed user_id=%s err=%v", user.ID, err)
		writeError(c, http.StatusInternalServerError, "Failed to cancel subscription")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Subscription cancelled",
		"plan":    "free",
	})
}
