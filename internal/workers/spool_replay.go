package workers

import (
	"context"
	"time"

	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Replayer redelivers spooled decision events
type Replayer interface {
	Replay(ctx context.Context) (int, error)
	SpoolDepth(ctx context.Context) (int, error)
}

// SpoolReplay drains the audit spool once the sink is reachable again
type SpoolReplay struct {
	*BaseWorker
	replayer Replayer
}

func NewSpoolReplay(replayer Replayer, interval time.Duration, log *logger.Logger) *SpoolReplay {
	return &SpoolReplay{
		BaseWorker: NewBaseWorker("spool_replay", interval, true, log),
		replayer:   replayer,
	}
}

func (w *SpoolReplay) Run(ctx context.Context) error {
	depth, err := w.replayer.SpoolDepth(ctx)
	if err != nil || depth == 0 {
		return err
	}

	n, err := w.replayer.Replay(ctx)
	if n > 0 {
		w.Log().Infow("Replayed spooled decision events", "delivered", n, "was", depth)
	}
	// sink still down: the spool keeps the events, try again next tick
	if errors.KindOf(err) == errors.KindSinkUnavailable {
		w.Log().Debugw("Audit sink still unavailable", "remaining", depth-n)
		return nil
	}
	return err
}
