package bootstrap

import (
	"context"
	"fmt"
	"time"

	applog "github.com/hubenschmidt/voice-relay/internal/log"
	"github.com/hubenschmidt/voice-relay/internal/models"
)

// Starter restarts a sidecar with a specific model file.
type Starter interface {
	Start(ctx context.Context, service, model string) error
}

// Warmer runs a trivial inference to prove a model is serving.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// WhisperAcquirer loads a model by restarting the whisper sidecar and polling
// until a warmup inference succeeds. Without a Starter it only polls, which
// suits a whisper server whose model is fixed at launch.
type WhisperAcquirer struct {
	Starter  Starter
	Service  string
	Warmer   Warmer
	Timeout  time.Duration
	Interval time.Duration
}

// Acquire implements Acquirer.
func (a *WhisperAcquirer) Acquire(ctx context.Context, model string) error {
	if !models.Valid(model) {
		return fmt.Errorf("unknown whisper model %q", model)
	}
	if a.Starter != nil {
		if err := a.Starter.Start(ctx, a.Service, models.FileName(model)); err != nil {
			return fmt.Errorf("start %s with %s: %w", a.Service, model, err)
		}
	}

	timeout, interval := a.Timeout, a.Interval
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	for {
		if err = a.Warmer.Warmup(ctx); err == nil {
			return nil
		}
		applog.Ctx(ctx).Debug().Err(err).Str(applog.FieldModel, model).Msg("whisper not ready yet")
		if sleepErr := sleepCtx(ctx, interval); sleepErr != nil {
			return fmt.Errorf("whisper %s not ready: %w", model, err)
		}
	}
}
