package database

import (
	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Writer is the persistence surface the recorder needs
type Writer interface {
	UpdateOrder(o types.Order) error
	InsertTrade(f types.Fill) error
	UpsertPosition(p types.Position) error
	DeletePosition(symbol string) error
	LogRiskEvent(e types.RiskEvent) error
	UpsertDailyPerformance(d types.DailyPerformance) error
}

// Recorder persists bus events. Failures are logged and dropped; the
// in-memory state stays authoritative.
type Recorder struct {
	w      Writer
	logger zerolog.Logger
}

func NewRecorder(w Writer) *Recorder {
	return &Recorder{
		w:      w,
		logger: log.With().Str("component", "recorder").Logger(),
	}
}

// Handle is an event bus handler
func (r *Recorder) Handle(e events.Event) {
	var err error
	switch e.Kind {
	case events.KindOrder:
		if e.Order != nil {
			err = r.w.UpdateOrder(*e.Order)
		}
	case events.KindTrade:
		if e.Fill != nil {
			err = r.w.InsertTrade(*e.Fill)
		}
	case events.KindPosition:
		if e.Position != nil {
			err = r.w.UpsertPosition(*e.Position)
		}
	case events.KindPositionClosed:
		err = r.w.DeletePosition(e.Symbol)
	case events.KindRisk:
		if e.Risk != nil {
			err = r.w.LogRiskEvent(*e.Risk)
		}
	case events.KindDailyPerformance:
		if e.Daily != nil {
			err = r.w.UpsertDailyPerformance(*e.Daily)
		}
	}
	if err != nil {
		r.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to persist event")
	}
}
