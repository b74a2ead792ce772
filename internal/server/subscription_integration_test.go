package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestListPlansIsPublic(t *testing.T) {
	router := newTestRouter(t)

	rec := performRequest(t, router, http.MethodGet, "/api/v1/subscription/plans", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	plans, _ := body["plans"].([]any)
	if len(plans) != 3 {
		t.Fatalf("plans = %d, want 3", len(plans))
	}

	premium := plans[2].(map[string]any)
	limits := premium["limits"].(map[string]any)
	if limits["messages"] != float64(planLimitUnlimited) {
		t.Errorf("premium messages limit = %v, want %d sentinel", limits["messages"], planLimitUnlimited)
	}
}

func TestConfirmSubscriptionUpgradesAndResetsUsage(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	setUsage(t, userID, 40, 8, 3, time.Now())
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/subscription/confirm", token, map[string]any{
		"plan": "pro",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSONMap(t, rec)["plan"] != "pro" {
		t.Errorf("plan = %v", decodeJSONMap(t, rec)["plan"])
	}

	usage := loadUserUsage(t, userID)
	if usage.Plan != planPro {
		t.Errorf("plan = %q, want PRO", usage.Plan)
	}
	if usage.Messages != 0 || usage.Images != 0 || usage.VoiceMinutes != 0 {
		t.Errorf("plan change must reset counters: %+v", usage)
	}
}

func TestConfirmSubscriptionRejectsUnknownPlan(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	token := signToken(t, seedUser(t, "FREE"))
	rec := performRequest(t, router, http.MethodPost, "/api/v1/subscription/confirm", token, map[string]any{
		"plan": "platinum",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCancelSubscriptionDropsToFree(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "PRO")
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/subscription/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if usage := loadUserUsage(t, userID); usage.Plan != planFree {
		t.Errorf("plan after cancel = %q, want FREE", usage.Plan)
	}
}

func TestCurrentSubscriptionAppliesLazyExpiry(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "PRO")
	token := signToken(t, userID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	expired := time.Now().UTC().AddDate(0, -2, 0)
	if _, err := testPool.Exec(
		ctx,
		`UPDATE "User" SET "planStartedAt" = $2, "planEndsAt" = $3 WHERE id = $1`,
		userID,
		expired,
		expired.AddDate(0, 1, 0),
	); err != nil {
		t.Fatalf("seed expired plan: %v", err)
	}

	rec := performRequest(t, router, http.MethodGet, "/api/v1/subscription/current", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeJSONMap(t, rec)["plan"] != "free" {
		t.Errorf("expired plan must read as free: %v", decodeJSONMap(t, rec)["plan"])
	}
	if usage := loadUserUsage(t, userID); usage.Plan != planFree {
		t.Errorf("downgrade must persist, plan = %q", usage.Plan)
	}
}

func TestCurrentSubscriptionIncludesUsage(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	setUsage(t, userID, 12, 2, 1, time.Now())
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodGet, "/api/v1/subscription/current", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	usage, _ := body["usage"].(map[string]any)
	if usage["messages_this_month"] != float64(12) {
		t.Errorf("usage = %v", usage)
	}
	limits, _ := usage["limits"].(map[string]any)
	if limits["messages"] != float64(50) {
		t.Errorf("limits = %v", limits)
	}
}
