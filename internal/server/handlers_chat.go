package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// chatHTTPError carries an HTTP status alongside a user-facing detail so
// pipeline stages deep in the call chain can decide the response shape.
type chatHTTPError struct {
	Status       int
	Detail       string
	LimitReached bool
}

func (e *chatHTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func writeChatError(c *gin.Context, err *chatHTTPError) {
	body := gin.H{"detail": err.Detail}
	if err.LimitReached {
		body["limit_reached"] = true
	}
	c.AbortWithStatusJSON(err.Status, body)
}

func upstreamUnavailableError() *chatHTTPError {
	return &chatHTTPError{Status: http.StatusBadGateway, Detail: "AI service is temporarily unavailable"}
}

func quotaExceededError(class resourceClass) *chatHTTPError {
	detail := "Monthly message limit reached. Upgrade your plan to continue."
	switch class {
	case resourceImages:
		detail = "Monthly image limit reached. Upgrade your plan to continue."
	case resourceVoiceMinutes:
		detail = "Monthly voice limit reached. Upgrade your plan to continue."
	}
	return &chatHTTPError{Status: http.StatusForbidden, Detail: detail, LimitReached: true}
}

type chatTextRequest struct {
	ProfileID string `json:"profile_id"`
	Message   string `json:"message"`
}

func (a *App) chatText(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload chatTextRequest
	if !mustJSON(c, &payload) {
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, payload.ProfileID)
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	if _, ok, err := a.admitUsage(c.Request.Context(), user.ID, resourceMessages, time.Now()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to check usage")
		return
	} else if !ok {
		writeChatError(c, quotaExceededError(resourceMessages))
		return
	}

	input, chatErr := normalizeTextInput(payload.Message)
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	a.runChatPipeline(c, user, profile, resourceMessages, 1, input)
}

func (a *App) chatImage(c *gin.Context) {
	a.runImageChat(c, "image", modalityImage, resourceImages)
}

func (a *App) chatScreenshot(c *gin.Context) {
	// Screenshots share the image quota: they exercise the same vision
	// pipeline and cost the same upstream call.
	a.runImageChat(c, "screenshot", modalityScreenshot, resourceImages)
}

func (a *App) runImageChat(c *gin.Context, field, modality string, class resourceClass) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.PostForm("profile_id"))
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	if _, ok, err := a.admitUsage(c.Request.Context(), user.ID, class, time.Now()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to check usage")
		return
	} else if !ok {
		writeChatError(c, quotaExceededError(class))
		return
	}

	data, _, chatErr := a.readUpload(c, field, "image/")
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	input, chatErr := a.normalizeImageInput(c.Request.Context(), data, modality)
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	a.runChatPipeline(c, user, profile, class, 1, input)
}

func (a *App) chatVoice(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.PostForm("profile_id"))
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	if _, ok, err := a.admitUsage(c.Request.Context(), user.ID, resourceVoiceMinutes, time.Now()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to check usage")
		return
	} else if !ok {
		writeChatError(c, quotaExceededError(resourceVoiceMinutes))
		return
	}

	data, filename, chatErr := a.readUpload(c, "audio", "audio/")
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	input, chatErr := a.normalizeVoiceInput(c.Request.Context(), data, filename, profile.Language)
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	// A voice note charges one minute regardless of its duration.
	a.runChatPipeline(c, user, profile, resourceVoiceMinutes, 1, input)
}

// runChatPipeline is the tail shared by every modality once admission and
// normalization have passed: generate, persist both turns, append to the
// interaction ledger, then charge usage. A failed generation must consume
// nothing, so the charge happens last.
func (a *App) runChatPipeline(c *gin.Context, user AuthUser, profile profileRecord, class resourceClass, amount int, input normalizedInput) {
	ctx := c.Request.Context()

	req := CompletionRequest{
		SystemPrompt:     buildPersonaSystemPrompt(profile),
		MaxTokens:        replyMaxTokens,
		Temperature:      replyTemperature,
		PresencePenalty:  replyPresencePenalty,
		FrequencyPenalty: replyFrequencyPenalty,
	}
	switch input.Modality {
	case modalityImage, modalityScreenshot:
		// Vision turns are conditioned on the analysis alone, not on the
		// running transcript.
		req.UserPrompt = analysisReplyPrompt(input.Modality, input.Analysis)
		req.MaxTokens = analysisReplyMaxTokens
	default:
		history, err := a.loadConversationContext(ctx, user.ID, profile.ID)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load conversation")
			return
		}
		req.Conversation = history
		req.UserPrompt = input.DisplayText
	}

	reply, err := a.ai.Complete(ctx, req)
	if err != nil {
		logrus.Errorf("chat completion failed user_id=%s profile_id=%s modality=%s err=%v",
			user.ID, profile.ID, input.Modality, err)
		writeChatError(c, upstreamUnavailableError())
		return
	}

	conversationID, err := a.persistChatTurns(ctx, user.ID, profile.ID, input, reply)
	if err != nil {
		logrus.Errorf("chat persistence failed user_id=%s profile_id=%s err=%v", user.ID, profile.ID, err)
		writeError(c, http.StatusInternalServerError, "Failed to save conversation")
		return
	}

	if err := a.recordInteraction(ctx, profile.ID, input.Modality, input.DisplayText, reply, true); err != nil {
		logrus.Warnf("interaction ledger append failed profile_id=%s err=%v", profile.ID, err)
	}

	snapshot, err := a.commitUsage(ctx, user.ID, class, amount)
	if err != nil {
		logrus.Errorf("usage commit failed user_id=%s class=%s err=%v", user.ID, class, err)
		writeError(c, http.StatusInternalServerError, "Failed to record usage")
		return
	}

	body := gin.H{
		"response":        reply,
		"conversation_id": conversationID,
		"usage":           usageMap(snapshot),
	}
	if input.Analysis != "" {
		body["analysis"] = input.Analysis
	}
	if input.Modality == modalityVoice {
		body["transcription"] = input.Transcription
	}
	c.JSON(http.StatusOK, body)
}

// readUpload pulls a single file out of the multipart form, enforcing the
// configured size cap and a MIME prefix before any bytes reach the
// normalizer.
func (a *App) readUpload(c *gin.Context, field, mimePrefix string) ([]byte, string, *chatHTTPError) {
	fileHeader, err := c.FormFile(field)
	if err != nil {
		return nil, "", &chatHTTPError{Status: http.StatusBadRequest, Detail: fmt.Sprintf("%s file is required", field)}
	}

	maxBytes := a.cfg.UploadMaxBytes
	if fileHeader.Size > maxBytes {
		return nil, "", &chatHTTPError{
			Status: http.StatusRequestEntityTooLarge,
			Detail: fmt.Sprintf("File too large (max %d bytes)", maxBytes),
		}
	}

	contentType := fileHeader.Header.Get("Content-Type")
	data, readErr := readMultipartFile(fileHeader, maxBytes)
	if readErr != nil {
		return nil, "", &chatHTTPError{Status: http.StatusBadRequest, Detail: "Failed to read uploaded file"}
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, mimePrefix) {
		return nil, "", &chatHTTPError{
			Status: http.StatusUnsupportedMediaType,
			Detail: fmt.Sprintf("Expected a %s* upload, got %s", mimePrefix, contentType),
		}
	}
	return data, fileHeader.Filename, nil
}

func readMultipartFile(fileHeader *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, maxBytes+1))
}

// loadConversationContext returns the last messages of the active
// conversation, oldest first, mapped to generator roles. System rows never
// reach the generator. Ordering is by the per-conversation seq, not the
// timestamp: turns written in one transaction share a createdAt.
func (a *App) loadConversationContext(ctx context.Context, userID, profileID string) ([]ChatTurn, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT m.role, m.content
		 FROM "ConversationMessage" m
		 JOIN "Conversation" c ON c.id = m."conversationId"
		 WHERE c."userId" = $1 AND c."profileId" = $2 AND c.status = 'ACTIVE'
		 ORDER BY m.seq DESC
		 LIMIT 10`,
		userID,
		profileID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]ChatTurn, 0, 10)
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		switch role {
		case "user":
			turns = append(turns, ChatTurn{Role: "user", Content: content})
		case "ai":
			turns = append(turns, ChatTurn{Role: "assistant", Content: content})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// persistChatTurns writes the user turn and the reply in one transaction so
// a crash can never leave a reply without the prompt that produced it. Both
// rows share the transaction's NOW(), so ordering comes from seq: the
// conversation row is locked, the next two sequence numbers are claimed, and
// the user turn always precedes the reply.
func (a *App) persistChatTurns(ctx context.Context, userID, profileID string, input normalizedInput, reply string) (string, error) {
	tx, err := a.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	conversationID, err := getOrCreateActiveConversation(ctx, tx, userID, profileID)
	if err != nil {
		return "", err
	}

	var lockedID string
	if err := tx.QueryRow(
		ctx,
		`SELECT id FROM "Conversation" WHERE id = $1 FOR UPDATE`,
		conversationID,
	).Scan(&lockedID); err != nil {
		return "", err
	}
	var lastSeq int64
	if err := tx.QueryRow(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM "ConversationMessage" WHERE "conversationId" = $1`,
		conversationID,
	).Scan(&lastSeq); err != nil {
		return "", err
	}

	metadata := map[string]any{}
	if input.Analysis != "" {
		metadata["analysis"] = input.Analysis
	}
	if input.Transcription != "" {
		metadata["transcription"] = input.Transcription
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO "ConversationMessage" (id, "conversationId", role, content, modality, metadata, seq, "createdAt")
		 VALUES ($1, $2, 'user', $3, $4, $5, $6, NOW())`,
		uuid.NewString(),
		conversationID,
		input.DisplayText,
		input.Modality,
		mustMarshalJSON(metadata),
		lastSeq+1,
	); err != nil {
		return "", err
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO "ConversationMessage" (id, "conversationId", role, content, modality, metadata, seq, "createdAt")
		 VALUES ($1, $2, 'ai', $3, 'text', '{}', $4, NOW())`,
		uuid.NewString(),
		conversationID,
		reply,
		lastSeq+2,
	); err != nil {
		return "", err
	}

	if _, err := tx.Exec(
		ctx,
		`UPDATE "Conversation"
		 SET "totalMessages" = "totalMessages" + 2,
		     "lastActivity" = NOW(),
		     "updatedAt" = NOW()
		 WHERE id = $1`,
		conversationID,
	); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return conversationID, nil
}

func getOrCreateActiveConversation(ctx context.Context, q dbQuerier, userID, profileID string) (string, error) {
	var conversationID string
	err := q.QueryRow(
		ctx,
		`SELECT id FROM "Conversation"
		 WHERE "userId" = $1 AND "profileId" = $2 AND status = 'ACTIVE'
		 ORDER BY "createdAt" DESC
		 LIMIT 1`,
		userID,
		profileID,
	).Scan(&conversationID)
	if err == nil {
		return conversationID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	conversationID = uuid.NewString()
	if _, err := q.Exec(
		ctx,
		`INSERT INTO "Conversation" (id, "userId", "profileId", status, "totalMessages", "lastActivity", "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, 'ACTIVE', 0, NOW(), NOW(), NOW())`,
		conversationID,
		userID,
		profileID,
	); err != nil {
		return "", err
	}
	return conversationID, nil
}

func (a *App) getConversation(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	var conversationID string
	var totalMessages int
	var lastActivity time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, "totalMessages", "lastActivity"
		 FROM "Conversation"
		 WHERE "userId" = $1 AND "profileId" = $2 AND status = 'ACTIVE'
		 ORDER BY "createdAt" DESC
		 LIMIT 1`,
		user.ID,
		profile.ID,
	).Scan(&conversationID, &totalMessages, &lastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusOK, gin.H{
			"conversation_id": nil,
			"messages":        []gin.H{},
			"total_messages":  0,
		})
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT role, content, modality, metadata, "createdAt"
		 FROM "ConversationMessage"
		 WHERE "conversationId" = $1
		 ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	defer rows.Close()

	messages := make([]gin.H, 0)
	for rows.Next() {
		var role, content, modality string
		var metadataRaw []byte
		var createdAt time.Time
		if err := rows.Scan(&role, &content, &modality, &metadataRaw, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse messages")
			return
		}
		messages = append(messages, gin.H{
			"role":      role,
			"content":   content,
			"modality":  modality,
			"metadata":  parseJSONStringMap(metadataRaw),
			"timestamp": createdAt.UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"messages":        messages,
		"total_messages":  totalMessages,
		"last_activity":   lastActivity.UTC(),
	})
}

// clearConversationHandler truncates the transcript but keeps the
// conversation row, so the thread identity survives a clear.
func (a *App) clearConversationHandler(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	tx, err := a.db.Begin(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to clear conversation")
		return
	}
	defer tx.Rollback(c.Request.Context())

	if _, err := tx.Exec(
		c.Request.Context(),
		`DELETE FROM "ConversationMessage"
		 WHERE "conversationId" IN (
			SELECT id FROM "Conversation" WHERE "userId" = $1 AND "profileId" = $2
		 )`,
		user.ID,
		profile.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to clear conversation")
		return
	}
	if _, err := tx.Exec(
		c.Request.Context(),
		`UPDATE "Conversation"
		 SET "totalMessages" = 0, "updatedAt" = NOW()
		 WHERE "userId" = $1 AND "profileId" = $2`,
		user.ID,
		profile.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to clear conversation")
		return
	}
	if err := tx.Commit(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to clear conversation")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation cleared"})
}

func (a *App) getConversationStarters(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, chatErr := a.loadProfileForUser(c.Request.Context(), user.ID, c.Param("profile_id"))
	if chatErr != nil {
		writeChatError(c, chatErr)
		return
	}

	if _, ok, err := a.admitUsage(c.Request.Context(), user.ID, resourceMessages, time.Now()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to check usage")
		return
	} else if !ok {
		writeChatError(c, quotaExceededError(resourceMessages))
		return
	}

	raw, err := a.ai.Complete(c.Request.Context(), CompletionRequest{
		SystemPrompt: buildPersonaSystemPrompt(profile),
		UserPrompt:   startersInstruction + "\n\n" + starterProfileSummary(profile),
		MaxTokens:    startersMaxTokens,
		Temperature:  startersTemperature,
	})
	if err != nil {
		logrus.Errorf("starters generation failed profile_id=%s err=%v", profile.ID, err)
		writeChatError(c, upstreamUnavailableError())
		return
	}

	starters := splitStarters(raw)

	if err := a.recordInteraction(c.Request.Context(), profile.ID, modalityText, "Conversation starters requested", raw, true); err != nil {
		logrus.Warnf("interaction ledger append failed profile_id=%s err=%v", profile.ID, err)
	}

	snapshot, err := a.commitUsage(c.Request.Context(), user.ID, resourceMessages, 1)
	if err != nil {
		logrus.Errorf("usage commit failed user_id=%s err=%v", user.ID, err)
		writeError(c, http.StatusInternalServerError, "Failed to record usage")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"starters": starters,
		"usage":    usageMap(snapshot),
	})
}

func starterProfileSummary(profile profileRecord) string {
	parts := []string{fmt.Sprintf("Name: %s.", profile.TargetName)}
	if len(profile.Interests) > 0 {
		parts = append(parts, fmt.Sprintf("Interests: %s.", strings.Join(profile.Interests, ", ")))
	}
	parts = append(parts, fmt.Sprintf("Context: %s.", profile.Context))
	if profile.Occupation != nil {
		parts = append(parts, fmt.Sprintf("Occupation: %s.", *profile.Occupation))
	}
	return "Profile information: " + strings.Join(parts, " ")
}

// splitStarters turns the model's numbered list into clean strings.
func splitStarters(raw string) []string {
	starters := make([]string, 0, 5)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "0123456789"))
		line = strings.TrimSpace(strings.TrimLeft(line, ".)-"))
		if line != "" {
			starters = append(starters, line)
		}
	}
	return starters
}
