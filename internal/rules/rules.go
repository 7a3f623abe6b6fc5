// Package rules evaluates auto-approval rules and guardian rails against
// new backlog items.
package rules

import (
	"github.com/assuredefi/mason-autopilot/internal/domain"
	"github.com/assuredefi/mason-autopilot/internal/log"
)

// ItemStore is the persistence surface the engine needs
type ItemStore interface {
	ListItemsByStatus(repositoryID string, status domain.ItemStatus) ([]*domain.BacklogItem, error)
	TransitionItem(id string, to domain.ItemStatus) error
}

// Engine applies the configured acceptance rules to pending items
type Engine struct {
	store ItemStore
}

// New creates a rule engine backed by the given store
func New(store ItemStore) *Engine {
	return &Engine{store: store}
}

// AutoApprove walks the repository's new items in creation order and
// approves those that pass the rules, stopping once the daily cap is hit.
// Each approval is persisted individually so an interrupted pass leaves a
// consistent partial result. Returns the number approved.
func (e *Engine) AutoApprove(repositoryID string, rules domain.AutoApprovalRules, rails domain.GuardianRails) (int, error) {
	items, err := e.store.ListItemsByStatus(repositoryID, domain.ItemNew)
	if err != nil {
		return 0, err
	}

	approved := 0
	for _, item := range items {
		// Human-review rail outranks the acceptance rules: items past the
		// complexity ceiling are never auto-approved, they are left for a
		// person and do not consume the daily cap.
		if item.Complexity > rails.RequireHumanReviewComplexity {
			log.Debug("item requires human review", "item", item.ID, "complexity", item.Complexity)
			continue
		}

		if approved >= rails.MaxItemsPerDay {
			log.Info("daily approval cap reached", "repository", repositoryID, "cap", rails.MaxItemsPerDay)
			break
		}

		if !rules.Accepts(item) {
			continue
		}

		if err := e.store.TransitionItem(item.ID, domain.ItemApproved); err != nil {
			log.Warn("approving item failed", "item", item.ID, "error", err)
			continue
		}
		approved++
		log.Info("item auto-approved", "item", item.ID, "title", item.Title)
	}

	return approved, nil
}
