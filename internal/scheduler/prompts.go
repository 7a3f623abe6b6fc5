package scheduler

import (
	"fmt"

	"github.com/assuredefi/mason-autopilot/internal/domain"
)

// analysisPrompt asks the agent to review the repository and file backlog
// items through the dashboard tooling available in the working copy.
const analysisPrompt = `Review this repository for improvement opportunities: bugs, missing
tests, outdated dependencies, security issues, and code quality problems.

For each finding, create a backlog item with a short title, a complexity
score from 1 to 10, an impact score from 1 to 10, and a category (bug,
security, testing, refactoring, dependencies, or documentation).

Only create items for concrete, actionable work. Do not modify any code.`

// executionPrompt asks the agent to implement one approved backlog item on
// its own branch and open a pull request.
func executionPrompt(item *domain.BacklogItem, branch string) string {
	return fmt.Sprintf(`Implement the following backlog item.

Title: %s
Category: %s

Create a branch named %s, make the changes there, run the project's tests,
and open a pull request. Keep the change focused on this item only and
include the pull request URL in your final summary.`,
		item.Title, item.Category, branch)
}
