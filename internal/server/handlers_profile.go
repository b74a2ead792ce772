package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

const (
	profileStatusActive  = "ACTIVE"
	profileStatusRetired = "RETIRED"
)

var (
	validPersonalities = map[string]struct{}{
		"introvert": {}, "extrovert": {}, "ambivert": {}, "unknown": {},
	}
	validRelationships = map[string]struct{}{
		"stranger": {}, "acquaintance": {}, "friend": {}, "colleague": {}, "classmate": {}, "online": {},
	}
	validContexts = map[string]struct{}{
		"online": {}, "offline": {}, "college": {}, "work": {}, "social": {}, "dating_app": {},
	}
	validTones = map[string]struct{}{
		"casual": {}, "flirty": {}, "romantic": {}, "funny": {}, "intellectual": {}, "mysterious": {},
	}
	validApproaches = map[string]struct{}{
		"direct": {}, "subtle": {}, "playful": {}, "sincere": {}, "teasing": {},
	}
)

type profileRecord struct {
	ID           string
	UserID       string
	TargetName   string
	Personality  string
	Relationship string
	Context      string
	Interests    []string
	Age          *int
	Occupation   *string
	Location     *string
	Notes        *string
	Tone         string
	Approach     string
	Language     string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type targetPersonPayload struct {
	Name         string   `json:"name"`
	Personality  string   `json:"personality"`
	Relationship string   `json:"relationship"`
	Context      string   `json:"context"`
	Interests    []string `json:"interests"`
	Age          *int     `json:"age"`
	Occupation   string   `json:"occupation"`
	Location     string   `json:"location"`
	Notes        string   `json:"notes"`
}

type conversationStylePayload struct {
	Tone     string `json:"tone"`
	Approach string `json:"approach"`
	Language string `json:"language"`
}

type profileCreateRequest struct {
	TargetPerson      targetPersonPayload      `json:"target_person"`
	ConversationStyle conversationStylePayload `json:"conversation_style"`
}

type profileUpdateRequest struct {
	TargetPerson      *targetPersonPayload      `json:"target_person"`
	ConversationStyle *conversationStylePayload `json:"conversation_style"`
}

func normalizeEnum(value, fallback string, allowed map[string]struct{}) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback, true
	}
	if _, ok := allowed[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

func (a *App) createProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload profileCreateRequest
	if !mustJSON(c, &payload) {
		return
	}

	personality, ok := normalizeEnum(payload.TargetPerson.Personality, "unknown", validPersonalities)
	if !ok {
		writeError(c, http.StatusBadRequest, "Invalid personality value")
		return
	}
	relationship, ok := normalizeEnum(payload.TargetPerson.Relationship, "stranger", validRelationships)
	if !ok {
		writeError(c, http.StatusBadRequest, "Invalid relationship value")
		return
	}
	contextValue, ok := normalizeEnum(payload.TargetPerson.Context, "online", validContexts)
	if !ok {
		writeError(c, http.StatusBadRequest, "Invalid context value")
		return
	}
	tone, ok := normalizeEnum(payload.ConversationStyle.Tone, "casual", validTones)
	if !ok {
		writeError(c, http.StatusBadRequest, "Invalid tone value")
		return
	}
	approach, ok := normalizeEnum(payload.ConversationStyle.Approach, "subtle", validApproaches)
	if !ok {
		writeError(c, http.StatusBadRequest, "Invalid approach value")
		return
	}
	language := strings.TrimSpace(payload.ConversationStyle.Language)
	if language == "" {
		language = "en"
	}

	interests := payload.TargetPerson.Interests
	if interests == nil {
		interests = []string{}
	}

	profileID := uuid.NewString()
	var createdAt time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Profile" (
			id, "userId", "targetName", personality, relationship, context,
			interests, age, occupation, location, notes,
			tone, approach, language, status, "createdAt", "updatedAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 'ACTIVE', NOW(), NOW())
		RETURNING "createdAt"`,
		profileID,
		user.ID,
		strings.TrimSpace(payload.TargetPerson.Name),
		personality,
		relationship,
		contextValue,
		mustMarshalJSON(interests),
		payload.TargetPerson.Age,
		nullableTrimmed(payload.TargetPerson.Occupation),
		nullableTrimmed(payload.TargetPerson.Location),
		nullableTrimmed(payload.TargetPerson.Notes),
		tone,
		approach,
		language,
	).Scan(&createdAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create profile")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, profileID)
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Profile created successfully",
		"profile": profileMap(profile),
	})
}

func (a *App) listProfiles(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		profileSelectColumns+`
		 FROM "Profile"
		 WHERE "userId" = $1 AND status = 'ACTIVE'
		 ORDER BY "updatedAt" DESC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load profiles")
		return
	}
	defer rows.Close()

	profiles := make([]gin.H, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse profiles")
			return
		}
		profiles = append(profiles, profileMap(profile))
	}

	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (a *App) getProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profileMap(profile)})
}

func (a *App) updateProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload profileUpdateRequest
	if !mustJSON(c, &payload) {
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}

	if payload.TargetPerson != nil {
		tp := payload.TargetPerson
		if strings.TrimSpace(tp.Name) != "" {
			profile.TargetName = strings.TrimSpace(tp.Name)
		}
		if strings.TrimSpace(tp.Personality) != "" {
			personality, ok := normalizeEnum(tp.Personality, "unknown", validPersonalities)
			if !ok {
				writeError(c, http.StatusBadRequest, "Invalid personality value")
				return
			}
			profile.Personality = personality
		}
		if strings.TrimSpace(tp.Relationship) != "" {
			relationship, ok := normalizeEnum(tp.Relationship, "stranger", validRelationships)
			if !ok {
				writeError(c, http.StatusBadRequest, "Invalid relationship value")
				return
			}
			profile.Relationship = relationship
		}
		if strings.TrimSpace(tp.Context) != "" {
			contextValue, ok := normalizeEnum(tp.Context, "online", validContexts)
			if !ok {
				writeError(c, http.StatusBadRequest, "Invalid context value")
				return
			}
			profile.Context = contextValue
		}
		if tp.Interests != nil {
			profile.Interests = tp.Interests
		}
		if tp.Age != nil {
			profile.Age = tp.Age
		}
		if strings.TrimSpace(tp.Occupation) != "" {
			profile.Occupation = nullableTrimmed(tp.Occupation)
		}
		if strings.TrimSpace(tp.Location) != "" {
			profile.Location = nullableTrimmed(tp.Location)
		}
		if strings.TrimSpace(tp.Notes) != "" {
			profile.Notes = nullableTrimmed(tp.Notes)
		}
	}
	if payload.ConversationStyle != nil {
		cs := payload.ConversationStyle
		if strings.TrimSpace(cs.Tone) != "" {
			tone, ok := normalizeEnum(cs.Tone, "casual", validTones)
			if !ok {
				writeError(c, http.StatusBadRequest, "Invalid tone value")
				return
			}
			profile.Tone = tone
		}
		if strings.TrimSpace(cs.Approach) != "" {
			approach, ok := normalizeEnum(cs.Approach, "subtle", validApproaches)
			if !ok {
				writeError(c, http.StatusBadRequest, "Invalid approach value")
				return
			}
			profile.Approach = approach
		}
		if strings.TrimSpace(cs.Language) != "" {
			profile.Language = strings.TrimSpace(cs.Language)
		}
	}

	_, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "Profile"
		 SET "targetName" = $2, personality = $3, relationship = $4, context = $5,
		     interests = $6, age = $7, occupation = $8, location = $9, notes = $10,
		     tone = $11, approach = $12, language = $13, "updatedAt" = NOW()
		 WHERE id = $1`,
		profile.ID,
		profile.TargetName,
		profile.Personality,
		profile.Relationship,
		profile.Context,
		mustMarshalJSON(profile.Interests),
		profile.Age,
		profile.Occupation,
		profile.Location,
		profile.Notes,
		profile.Tone,
		profile.Approach,
		profile.Language,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	updated, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, profile.ID)
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Profile updated successfully",
		"profile": profileMap(updated),
	})
}

// deleteProfile retires the profile; the row is never removed, so its
// conversation history stays retrievable by key while all active-profile
// queries exclude it.
func (a *App) deleteProfile(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "Profile" SET status = 'RETIRED', "updatedAt" = NOW() WHERE id = $1`,
		profile.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete profile")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Profile deleted successfully"})
}

func (a *App) getProfileHistory(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT modality, content, response, success, "createdAt"
		 FROM "ProfileInteraction"
		 WHERE "profileId" = $1
		 ORDER BY "createdAt" DESC
		 LIMIT 20`,
		profile.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load profile history")
		return
	}
	defer rows.Close()

	entries := make([]gin.H, 0, 20)
	for rows.Next() {
		var modality, content, response string
		var success bool
		var createdAt time.Time
		if err := rows.Scan(&modality, &content, &response, &success, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse profile history")
			return
		}
		entries = append(entries, gin.H{
			"modality":  modality,
			"content":   content,
			"response":  response,
			"success":   success,
			"timestamp": createdAt.UTC(),
		})
	}

	// Oldest first, like the transcript view expects.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (a *App) getProfileStats(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeError(c, chatErr.Status, chatErr.Detail)
		return
	}

	var total, successful, texts, images, voices, screenshots int
	var lastActivity *time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT
			COUNT(*)::int,
			COUNT(*) FILTER (WHERE success)::int,
			COUNT(*) FILTER (WHERE modality = 'text')::int,
			COUNT(*) FILTER (WHERE modality = 'image')::int,
			COUNT(*) FILTER (WHERE modality = 'voice')::int,
			COUNT(*) FILTER (WHERE modality = 'screenshot')::int,
			MAX("createdAt")
		 FROM "ProfileInteraction"
		 WHERE "profileId" = $1`,
		profile.ID,
	).Scan(&total, &successful, &texts, &images, &voices, &screenshots, &lastActivity)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load profile statistics")
		return
	}

	stats := gin.H{
		"total_interactions":      total,
		"successful_interactions": successful,
		"text_messages":           texts,
		"images":                  images,
		"voice_messages":          voices,
		"screenshots":             screenshots,
	}
	if lastActivity != nil {
		stats["last_activity"] = lastActivity.UTC()
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// recordInteraction appends one ledger entry after a pipeline run. Callers
// log and swallow failures; the ledger must never block the user-facing
// response.
func (a *App) recordInteraction(ctx context.Context, profileID, modality, content, response string, success bool) error {
	_, err := a.db.Exec(
		ctx,
		`INSERT INTO "ProfileInteraction" (id, "profileId", modality, content, response, success, "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.NewString(),
		profileID,
		modality,
		content,
		response,
		success,
	)
	return err
}

const profileSelectColumns = `SELECT id, "userId", "targetName", personality, relationship, context,
	interests, age, occupation, location, notes,
	tone, approach, language, status, "createdAt", "updatedAt"`

func (a *App) loadProfileForUser(ctx context.Context, userID, profileID string) (profileRecord, *chatHTTPError) {
	trimmedID := strings.TrimSpace(profileID)
	if trimmedID == "" {
		return profileRecord{}, &chatHTTPError{Status: http.StatusBadRequest, Detail: "profile_id is required"}
	}

	row := a.db.QueryRow(
		ctx,
		profileSelectColumns+`
		 FROM "Profile"
		 WHERE id = $1 AND "userId" = $2 AND status = 'ACTIVE'`,
		trimmedID,
		userID,
	)
	profile, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return profileRecord{}, &chatHTTPError{Status: http.StatusNotFound, Detail: "Profile not found"}
	}
	if err != nil {
		logrus.Errorf("load profile failed profile_id=%s err=%v", trimmedID, err)
		return profileRecord{}, &chatHTTPError{Status: http.StatusInternalServerError, Detail: "Failed to load profile"}
	}
	return profile, nil
}

func scanProfile(row pgx.Row) (profileRecord, error) {
	profile := profileRecord{}
	var interestsRaw []byte
	err := row.Scan(
		&profile.ID,
		&profile.UserID,
		&profile.TargetName,
		&profile.Personality,
		&profile.Relationship,
		&profile.Context,
		&interestsRaw,
		&profile.Age,
		&profile.Occupation,
		&profile.Location,
		&profile.Notes,
		&profile.Tone,
		&profile.Approach,
		&profile.Language,
		&profile.Status,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return profileRecord{}, err
	}
	if len(interestsRaw) > 0 {
		_ = json.Unmarshal(interestsRaw, &profile.Interests)
	}
	if profile.Interests == nil {
		profile.Interests = []string{}
	}
	return profile, nil
}

func profileMap(p profileRecord) gin.H {
	targetPerson := gin.H{
		"name":         p.TargetName,
		"personality":  p.Personality,
		"relationship": p.Relationship,
		"context":      p.Context,
		"interests":    p.Interests,
	}
	if p.Age != nil {
		targetPerson["age"] = *p.Age
	}
	if p.Occupation != nil {
		targetPerson["occupation"] = *p.Occupation
	}
	if p.Location != nil {
		targetPerson["location"] = *p.Location
	}
	if p.Notes != nil {
		targetPerson["notes"] = *p.Notes
	}

	return gin.H{
		"id":            p.ID,
		"target_person": targetPerson,
		"conversation_style": gin.H{
			"tone":     p.Tone,
			"approach": p.Approach,
			"language": p.Language,
		},
		"status":     strings.ToLower(p.Status),
		"created_at": p.CreatedAt.UTC(),
		"updated_at": p.UpdatedAt.UTC(),
	}
}

func nullableTrimmed(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
