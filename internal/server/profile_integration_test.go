package server

import (
	"net/http"
	"testing"
	"time"
)

func TestProfileCreateAppliesDefaults(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/profiles", token, map[string]any{
		"target_person": map[string]any{"name": "Alex"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeJSONMap(t, rec)
	profile, _ := body["profile"].(map[string]any)
	target, _ := profile["target_person"].(map[string]any)
	style, _ := profile["conversation_style"].(map[string]any)

	if target["name"] != "Alex" {
		t.Errorf("name = %v", target["name"])
	}
	if target["personality"] != "unknown" || target["relationship"] != "stranger" || target["context"] != "online" {
		t.Errorf("target defaults wrong: %v", target)
	}
	if style["tone"] != "casual" || style["approach"] != "subtle" || style["language"] != "en" {
		t.Errorf("style defaults wrong: %v", style)
	}
	if profile["status"] != "active" {
		t.Errorf("status = %v", profile["status"])
	}
}

func TestProfileCreateRejectsInvalidEnum(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodPost, "/api/v1/profiles", token, map[string]any{
		"target_person": map[string]any{"name": "Alex", "personality": "chaotic"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProfileUpdateMergesPartially(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	profileID := seedProfileWith(t, userID, "introvert", "friend", "college", "funny", "teasing")
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodPut, "/api/v1/profiles/"+profileID, token, map[string]any{
		"conversation_style": map[string]any{"tone": "romantic"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeJSONMap(t, rec)
	profile, _ := body["profile"].(map[string]any)
	style, _ := profile["conversation_style"].(map[string]any)
	target, _ := profile["target_person"].(map[string]any)

	if style["tone"] != "romantic" {
		t.Errorf("tone not updated: %v", style)
	}
	if style["approach"] != "teasing" {
		t.Errorf("untouched approach must survive: %v", style)
	}
	if target["personality"] != "introvert" {
		t.Errorf("untouched target fields must survive: %v", target)
	}
}

func TestProfileDeleteIsSoft(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	profileID := seedProfile(t, userID)
	token := signToken(t, userID)

	rec := performRequest(t, router, http.MethodDelete, "/api/v1/profiles/"+profileID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	// The row survives but every lookup now misses.
	if got := countRows(t, `SELECT COUNT(*)::int FROM "Profile" WHERE id = $1`, profileID); got != 1 {
		t.Errorf("retired profile row must survive, rows = %d", got)
	}
	if got := countRows(t, `SELECT COUNT(*)::int FROM "Profile" WHERE id = $1 AND status = 'RETIRED'`, profileID); got != 1 {
		t.Errorf("profile not marked RETIRED")
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/profiles/"+profileID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("retired profile read = %d, want 404", rec.Code)
	}

	rec = performRequest(t, router, http.MethodGet, "/api/v1/profiles", token, nil)
	body := decodeJSONMap(t, rec)
	profiles, _ := body["profiles"].([]any)
	if len(profiles) != 0 {
		t.Errorf("retired profile leaked into listing: %v", profiles)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/v1/chat/text", token, map[string]any{
		"profile_id": profileID, "message": "hello ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("chat against retired profile = %d, want 404", rec.Code)
	}
}

func TestProfileHistoryReturnsLastTwenty(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	profileID := seedProfile(t, userID)
	token := signToken(t, userID)

	base := time.Now().UTC().Add(-2 * time.Hour)
	for i := 0; i < 25; i++ {
		seedInteraction(t, profileID, modalityText, true, base.Add(time.Duration(i)*time.Minute))
	}

	rec := performRequest(t, router, http.MethodGet, "/api/v1/profiles/"+profileID+"/history", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	history, _ := body["history"].([]any)
	if len(history) != 20 {
		t.Errorf("history = %d entries, want 20", len(history))
	}
}

func TestProfileStats(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	userID := seedUser(t, "FREE")
	profileID := seedProfile(t, userID)
	token := signToken(t, userID)

	now := time.Now().UTC()
	seedInteraction(t, profileID, modalityText, true, now.Add(-4*time.Minute))
	seedInteraction(t, profileID, modalityText, false, now.Add(-3*time.Minute))
	seedInteraction(t, profileID, modalityImage, true, now.Add(-2*time.Minute))
	seedInteraction(t, profileID, modalityVoice, true, now.Add(-1*time.Minute))
	seedInteraction(t, profileID, modalityScreenshot, true, now)

	rec := performRequest(t, router, http.MethodGet, "/api/v1/profiles/"+profileID+"/stats", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSONMap(t, rec)
	stats, _ := body["stats"].(map[string]any)

	if stats["total_interactions"] != float64(5) {
		t.Errorf("total = %v", stats["total_interactions"])
	}
	if stats["successful_interactions"] != float64(4) {
		t.Errorf("successful = %v", stats["successful_interactions"])
	}
	if stats["text_messages"] != float64(2) || stats["images"] != float64(1) ||
		stats["voice_messages"] != float64(1) || stats["screenshots"] != float64(1) {
		t.Errorf("per-modality counts wrong: %v", stats)
	}
	if stats["last_activity"] == nil {
		t.Error("last_activity missing")
	}
}

func TestProfileOwnershipIsEnforced(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)

	ownerID := seedUser(t, "FREE")
	profileID := seedProfile(t, ownerID)
	intruderToken := signToken(t, seedUser(t, "FREE"))

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/v1/profiles/" + profileID, nil},
		{http.MethodPut, "/api/v1/profiles/" + profileID, map[string]any{}},
		{http.MethodDelete, "/api/v1/profiles/" + profileID, nil},
		{http.MethodGet, "/api/v1/profiles/" + profileID + "/history", nil},
		{http.MethodGet, "/api/v1/profiles/" + profileID + "/stats", nil},
	} {
		rec := performRequest(t, router, tc.method, tc.path, intruderToken, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}
