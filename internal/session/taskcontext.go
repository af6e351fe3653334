package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/basket/go-butler/internal/persistence"
)

// FormatTaskContext renders the active tasks assigned to an external user.
// It returns "" when there are none.
func FormatTaskContext(tasks []persistence.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Active tasks from owner\n")
	b.WriteString("You have active tasks from the owner. Complete them, gather what is needed and record the outcome with `update_task`.\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n### Task [%s]: %s\n", t.ID, t.Kind)
		fmt.Fprintf(&b, "Topic: %s\n", t.Title)
		if len(t.Context) > 0 {
			if raw, err := json.Marshal(t.Context); err == nil {
				fmt.Fprintf(&b, "Context: %s\n", raw)
			}
		}
		fmt.Fprintf(&b, "Status: %s\n", t.Status)
	}
	return b.String()
}

// StoreTaskContext builds a RegistryConfig.TaskContext backed by store.
func StoreTaskContext(store *persistence.Store, logger *slog.Logger) func(ctx context.Context, userID int64) string {
	return func(ctx context.Context, userID int64) string {
		tasks, err := store.ListTasks(ctx, persistence.TaskFilter{AssigneeID: strconv.FormatInt(userID, 10)})
		if err != nil {
			logger.Warn("session: failed to load task context", "user_id", userID, "error", err)
			return ""
		}
		return FormatTaskContext(tasks)
	}
}
