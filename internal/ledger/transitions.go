package ledger

import (
	"fmt"

	"settlement-service/internal/models"
)

var transactionTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TransactionPending:    {models.TransactionCollecting},
	models.TransactionCollecting: {models.TransactionProcessing, models.TransactionFailed},
	models.TransactionProcessing: {models.TransactionCompleted, models.TransactionCompletedWithFailedLegs},
}

var legTransitions = map[models.LegStatus][]models.LegStatus{
	models.LegPending:    {models.LegProcessing, models.LegCompleted, models.LegFailed},
	models.LegProcessing: {models.LegCompleted, models.LegFailed},
	models.LegFailed:     {models.LegPending},
}

func CanTransitionTransaction(from, to models.TransactionStatus) bool {
	for _, s := range transactionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionLeg(from, to models.LegStatus) bool {
	for _, s := range legTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransaction(from, to models.TransactionStatus) error {
	if !CanTransitionTransaction(from, to) {
		return fmt.Errorf("%w: transaction cannot move from %s to %s", ErrConflict, from, to)
	}
	return nil
}

func checkLeg(from, to models.LegStatus) error {
	if !CanTransitionLeg(from, to) {
		return fmt.Errorf("%w: leg cannot move from %s to %s", ErrConflict, from, to)
	}
	return nil
}

func isRetry(from, to models.LegStatus) bool {
	return from == models.LegFailed && to == models.LegPending
}
