package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ValidateRuntimeSchema fails startup early when the database is missing
// columns the handlers depend on, instead of surfacing the mismatch as
// runtime 500s.
func ValidateRuntimeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is nil")
	}

	requiredColumns := []struct {
		table  string
		column string
	}{
		{table: "User", column: "plan"},
		{table: "User", column: "messagesThisMonth"},
		{table: "User", column: "imagesThisMonth"},
		{table: "User", column: "voiceMinutesThisMonth"},
		{table: "User", column: "usagePeriodStart"},
		{table: "User", column: "planEndsAt"},
		{table: "User", column: "otpCode"},
		{table: "Profile", column: "status"},
		{table: "Profile", column: "interests"},
		{table: "Conversation", column: "totalMessages"},
		{table: "Conversation", column: "lastActivity"},
		{table: "ConversationMessage", column: "modality"},
		{table: "ConversationMessage", column: "metadata"},
		{table: "ConversationMessage", column: "seq"},
		{table: "ProfileInteraction", column: "modality"},
		{table: "ProfileInteraction", column: "success"},
	}

	for _, item := range requiredColumns {
		ok, err := columnExists(ctx, pool, item.table, item.column)
		if err != nil {
			return fmt.Errorf(
				"failed checking schema for %s.%s: %w",
				item.table,
				item.column,
				err,
			)
		}
		if !ok {
			return fmt.Errorf(
				"required column %s.%s is missing; run the pending migrations",
				item.table,
				item.column,
			)
		}
	}

	return nil
}

func columnExists(ctx context.Context, pool *pgxpool.Pool, tableName, columnName string) (bool, error) {
	table := strings.TrimSpace(tableName)
	column := strings.TrimSpace(columnName)
	if table == "" || column == "" {
		return false, fmt.Errorf("table/column must not be empty")
	}
	var exists bool
	err := pool.QueryRow(
		ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM information_schema.columns
		   WHERE table_schema = 'public'
		     AND table_name = $1
		     AND column_name = $2
		 )`,
		table,
		column,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
