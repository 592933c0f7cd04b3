package consumers

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LegRetryDTO is the payload of a deferred leg retry.
type LegRetryDTO struct {
	LegID   uint `json:"leg_id"`
	Attempt int  `json:"attempt"`
}

// LegDisburser re-sends a pending split leg.
type LegDisburser interface {
	DisburseLeg(ctx context.Context, legID uint) error
}

type SettlementProcessor struct {
	settlement LegDisburser
	log        *logrus.Entry
}

func NewSettlementProcessor(settlement LegDisburser, logger *logrus.Logger) *SettlementProcessor {
	return &SettlementProcessor{
		settlement: settlement,
		log:        logger.WithField("component", "worker"),
	}
}

// ProcessLegRetry runs one retry attempt. A leg that settled or moved on since
// the task was queued is skipped by the settlement service itself.
func (p *SettlementProcessor) ProcessLegRetry(ctx context.Context, dto LegRetryDTO) error {
	log := p.log.WithFields(logrus.Fields{"leg_id": dto.LegID, "attempt": dto.Attempt})
	log.Info("processing leg retry")
	if err := p.settlement.DisburseLeg(ctx, dto.LegID); err != nil {
		log.WithError(err).Error("leg retry failed")
		return err
	}
	return nil
}
