package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor watches PENDING margin calls and re-evaluates their loans once
// the call is past due, so liquidation does not wait for the next NAV tick
type Processor struct {
	engine       *Engine
	processDelay time.Duration
}

func NewProcessor(engine *Engine, processDelay time.Duration) *Processor {
	if processDelay <= 0 {
		processDelay = time.Minute
	}
	return &Processor{
		engine:       engine,
		processDelay: processDelay,
	}
}

// Start runs the watch loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "margin_call_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting margin call processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down margin call processor")
			return
		case <-ticker.C:
			if err := p.processDueCalls(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process due margin calls")
			}
		}
	}
}

func (p *Processor) processDueCalls(ctx context.Context) error {
	summary, err := p.engine.ProcessDueMarginCalls(ctx)
	if err != nil {
		return err
	}
	if summary.LoansConsidered > 0 {
		log.Info().
			Str("component", "margin_call_processor").
			Int("due", summary.LoansConsidered).
			Int("liquidations", summary.Liquidations).
			Int("resolved", summary.MarginCallsResolved).
			Msg("processed due margin calls")
	}
	return nil
}
