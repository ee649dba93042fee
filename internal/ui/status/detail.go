package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/zjrosen/aio/internal/store"
)

// noMarginStyle trims glamour's document margins so the detail page sits
// flush with the terminal, inheriting everything else from auto styling.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// TaskDetail renders one task as a styled markdown page: identity,
// lifecycle fields, the description and planner context, and the
// worker's progress trail.
func TaskDetail(task store.Task, progress []store.ProgressEntry, width int) (string, error) {
	if width <= 0 {
		width = defaultWidth
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("building markdown renderer: %w", err)
	}

	return r.Render(taskMarkdown(task, progress))
}

// taskMarkdown builds the markdown source for a task detail page.
func taskMarkdown(task store.Task, progress []store.ProgressEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n", short(task.ID))
	fmt.Fprintf(&b, "- **Status**: %s\n", task.Status)
	if task.WorkerID != "" {
		fmt.Fprintf(&b, "- **Worker**: %s\n", task.WorkerID)
	}
	if task.BranchName != "" {
		fmt.Fprintf(&b, "- **Branch**: `%s`\n", task.BranchName)
	}
	if task.WorktreePath != "" {
		fmt.Fprintf(&b, "- **Worktree**: `%s`\n", task.WorktreePath)
	}
	if task.PRURL != "" {
		fmt.Fprintf(&b, "- **PR**: %s\n", task.PRURL)
	}
	if task.ReviewClaimedBy != "" {
		fmt.Fprintf(&b, "- **Review claimed by**: %s\n", task.ReviewClaimedBy)
	}
	fmt.Fprintf(&b, "- **Created**: %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))

	b.WriteString("\n## Description\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n")

	if task.Context != "" {
		b.WriteString("\n## Context\n\n")
		b.WriteString(task.Context)
		b.WriteString("\n")
	}

	if len(progress) > 0 {
		b.WriteString("\n## Progress\n\n")
		for _, p := range progress {
			fmt.Fprintf(&b, "- `%s` **%s** (%s): %s\n",
				p.CreatedAt.Format("15:04:05"), p.Status, p.WorkerID, p.Message)
		}
	}

	return b.String()
}
