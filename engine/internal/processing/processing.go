// Package processing decouples race-completion notifications from their
// downstream statistics updates with a single bounded, single-consumer
// queue so a slow prediction update never blocks the request path.
package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raceboard/eta-server/engine/internal/prediction"
)

const (
	queueCapacity  = 100
	perItemTimeout = 100 * time.Millisecond
)

// Request is one unit of work for the queue: a completed race's duration
// update, or (with Duration nil) a notification that carries no stats work.
type Request struct {
	RaceID      string
	RaceTitle   string
	RaceSource  string
	RaceMetadata map[string]string
	Duration    *int64
}

// Engine owns the bounded channel and its single background consumer.
type Engine struct {
	queue  chan Request
	log    *logrus.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the background consumer and returns an engine ready to accept
// submissions. Call Stop to drain and shut the consumer down.
func New(ctx context.Context, predictor *prediction.Engine, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		queue:  make(chan Request, queueCapacity),
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.processQueue(runCtx, predictor)
	return e
}

// SubmitRace enqueues a request, failing immediately rather than blocking
// if the queue is full.
func (e *Engine) SubmitRace(req Request) error {
	select {
	case e.queue <- req:
		return nil
	default:
		return fmt.Errorf("failed to submit race %s for processing: queue full", req.RaceID)
	}
}

// Stop cancels the background consumer, which then processes the requests
// still queued (each bounded by the per-item timeout), and waits for it to
// finish.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

func (e *Engine) processQueue(ctx context.Context, predictor *prediction.Engine) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req := <-e.queue:
					e.processOne(context.Background(), predictor, req)
				default:
					return
				}
			}
		case req, ok := <-e.queue:
			if !ok {
				return
			}
			e.processOne(ctx, predictor, req)
		}
	}
}

func (e *Engine) processOne(ctx context.Context, predictor *prediction.Engine, req Request) {
	if req.Duration == nil {
		return
	}
	itemCtx, cancel := context.WithTimeout(ctx, perItemTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		predictor.OnRaceCompleted(itemCtx, req.RaceID, req.RaceTitle, req.RaceSource, req.RaceMetadata, *req.Duration)
		close(done)
	}()

	select {
	case <-done:
	case <-itemCtx.Done():
		e.log.WithFields(logrus.Fields{
			"race_id":    req.RaceID,
			"race_title": req.RaceTitle,
		}).Warn("processing timeout for race")
	}
}
