package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

const (
	planFree    = "FREE"
	planPro     = "PRO"
	planPremium = "PREMIUM"
)

type resourceClass string

const (
	resourceMessages     resourceClass = "messages"
	resourceImages       resourceClass = "images"
	resourceVoiceMinutes resourceClass = "voiceMinutes"
)

// planLimitUnlimited is a sentinel, never a large number, so admission
// logic cannot hit overflow or off-by-one ambiguity.
const planLimitUnlimited = -1

type planLimits struct {
	Messages     int
	Images       int
	VoiceMinutes int
}

var planCeilings = map[string]planLimits{
	planFree:    {Messages: 50, Images: 10, VoiceMinutes: 5},
	planPro:     {Messages: 500, Images: 100, VoiceMinutes: 60},
	planPremium: {Messages: planLimitUnlimited, Images: planLimitUnlimited, VoiceMinutes: planLimitUnlimited},
}

func (l planLimits) limitFor(class resourceClass) int {
	switch class {
	case resourceMessages:
		return l.Messages
	case resourceImages:
		return l.Images
	case resourceVoiceMinutes:
		return l.VoiceMinutes
	}
	return 0
}

func normalizePlan(plan string) string {
	switch strings.ToUpper(strings.TrimSpace(plan)) {
	case planPro:
		return planPro
	case planPremium:
		return planPremium
	default:
		return planFree
	}
}

type usageSnapshot struct {
	Plan         string
	Messages     int
	Images       int
	VoiceMinutes int
	PeriodStart  time.Time
}

func (s usageSnapshot) countFor(class resourceClass) int {
	switch class {
	case resourceMessages:
		return s.Messages
	case resourceImages:
		return s.Images
	case resourceVoiceMinutes:
		return s.VoiceMinutes
	}
	return 0
}

func sameUsagePeriod(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.Month() == bu.Month()
}

// loadUsage reads the account's counters, resetting them first when the
// calendar month has rolled over since usagePeriodStart. The reset runs
// lazily on the first check after the boundary and is idempotent.
func (a *App) loadUsage(ctx context.Context, q dbQuerier, userID string, now time.Time) (usageSnapshot, error) {
	snapshot := usageSnapshot{}
	err := q.QueryRow(
		ctx,
		`SELECT plan, "messagesThisMonth", "imagesThisMonth", "voiceMinutesThisMonth", "usagePeriodStart"
		 FROM "User"
		 WHERE id = $1`,
		userID,
	).Scan(&snapshot.Plan, &snapshot.Messages, &snapshot.Images, &snapshot.VoiceMinutes, &snapshot.PeriodStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return usageSnapshot{}, errors.New("account not found")
	}
	if err != nil {
		return usageSnapshot{}, err
	}
	snapshot.Plan = normalizePlan(snapshot.Plan)

	if sameUsagePeriod(now, snapshot.PeriodStart) {
		return snapshot, nil
	}

	if _, err := q.Exec(
		ctx,
		`UPDATE "User"
		 SET "messagesThisMonth" = 0,
		     "imagesThisMonth" = 0,
		     "voiceMinutesThisMonth" = 0,
		     "usagePeriodStart" = $2,
		     "updatedAt" = NOW()
		 WHERE id = $1`,
		userID,
		now.UTC(),
	); err != nil {
		return usageSnapshot{}, err
	}
	snapshot.Messages = 0
	snapshot.Images = 0
	snapshot.VoiceMinutes = 0
	snapshot.PeriodStart = now.UTC()
	return snapshot, nil
}

// admitUsage decides whether one more unit of the resource class may be
// consumed. Strict less-than: a counter equal to the ceiling is rejected.
func (a *App) admitUsage(ctx context.Context, userID string, class resourceClass, now time.Time) (usageSnapshot, bool, error) {
	snapshot, err := a.loadUsage(ctx, a.db, userID, now)
	if err != nil {
		return usageSnapshot{}, false, err
	}

	ceiling := planCeilings[snapshot.Plan].limitFor(class)
	if ceiling == planLimitUnlimited {
		return snapshot, true, nil
	}
	return snapshot, snapshot.countFor(class) < ceiling, nil
}

// commitUsage charges the counter after a reply has been produced and
// persisted. Voice notes always charge exactly one minute.
func (a *App) commitUsage(ctx context.Context, userID string, class resourceClass, amount int) (usageSnapshot, error) {
	column := ""
	switch class {
	case resourceMessages:
		column = `"messagesThisMonth"`
	case resourceImages:
		column = `"imagesThisMonth"`
	case resourceVoiceMinutes:
		column = `"voiceMinutesThisMonth"`
	default:
		return usageSnapshot{}, errors.New("unknown resource class")
	}

	snapshot := usageSnapshot{}
	err := a.db.QueryRow(
		ctx,
		`UPDATE "User"
		 SET `+column+` = `+column+` + $2,
		     "updatedAt" = NOW()
		 WHERE id = $1
		 RETURNING plan, "messagesThisMonth", "imagesThisMonth", "voiceMinutesThisMonth", "usagePeriodStart"`,
		userID,
		amount,
	).Scan(&snapshot.Plan, &snapshot.Messages, &snapshot.Images, &snapshot.VoiceMinutes, &snapshot.PeriodStart)
	if err != nil {
		return usageSnapshot{}, err
	}
	snapshot.Plan = normalizePlan(snapshot.Plan)
	return snapshot, nil
}

func usageMap(s usageSnapshot) gin.H {
	limits := planCeilings[s.Plan]
	return gin.H{
		"plan":                     strings.ToLower(s.Plan),
		"messages_this_month":      s.Messages,
		"images_this_month":        s.Images,
		"voice_minutes_this_month": s.VoiceMinutes,
		"usage_period_start":       s.PeriodStart.UTC(),
		"limits": gin.H{
			"messages":      limits.Messages,
			"images":        limits.Images,
			"voice_minutes": limits.VoiceMinutes,
		},
	}
}
