package client

import (
	"sort"

	"github.com/mkarlsen/trk/internal/models"
)

// Projection is the rendered view of the local list: total count, issues in
// display order (created_at descending), and a per-status grouping.
type Projection struct {
	Count    int
	Issues   []models.Issue
	ByStatus map[models.IssueStatus][]models.Issue
}

// Project derives the view from local state. The input is not mutated.
func Project(list []models.Issue) Projection {
	issues := make([]models.Issue, len(list))
	copy(issues, list)

	sort.SliceStable(issues, func(i, j int) bool {
		if !issues[i].CreatedAt.Equal(issues[j].CreatedAt) {
			return issues[i].CreatedAt.After(issues[j].CreatedAt)
		}
		// ULIDs are time-ordered, so this keeps same-timestamp rows newest-first.
		return issues[i].ID > issues[j].ID
	})

	byStatus := make(map[models.IssueStatus][]models.Issue)
	for _, issue := range issues {
		byStatus[issue.Status] = append(byStatus[issue.Status], issue)
	}

	return Projection{
		Count:    len(issues),
		Issues:   issues,
		ByStatus: byStatus,
	}
}

// StatusCount returns how many issues have the given status.
func (p Projection) StatusCount(status models.IssueStatus) int {
	return len(p.ByStatus[status])
}
