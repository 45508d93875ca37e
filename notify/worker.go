/*
Package notify delivers queued notification emails.

PURPOSE:
  The fan-out writes email requests in the same transaction as the event
  that caused them. This worker drains the queue afterwards so a slow or
  failing mail transport never holds up a report transition.

DESIGN:
  - Background goroutine woken by a ticker
  - Each tick loads up to BatchSize pending requests and sends them in
    parallel (errgroup, at most Parallelism at once)
  - A send error increments Attempts; after MaxAttempts the request is
    marked FAILED, otherwise it stays PENDING for the next tick
  - Failures are logged and never propagate

USAGE:
  w := notify.NewWorker(store, notify.LogSender{Log: log}, log)
  w.Start()
  // ... later
  w.Stop()

SEE ALSO:
  - compliance/notify.go: fan-out and email request rows
*/
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lcfs/compliance-engine/compliance"
)

// Worker delivers pending email requests.
type Worker struct {
	Store       compliance.NotificationStore
	Sender      EmailSender
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	MaxAttempts int
	Log         logrus.FieldLogger
	Now         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWorker(store compliance.NotificationStore, sender EmailSender, log logrus.FieldLogger) *Worker {
	return &Worker{
		Store:       store,
		Sender:      sender,
		Interval:    30 * time.Second,
		BatchSize:   50,
		Parallelism: 4,
		MaxAttempts: 5,
		Log:         log,
		Now:         time.Now,
	}
}

// Start begins delivering in the background.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		return
	}

	w.ticker = time.NewTicker(w.Interval)
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run()

	w.Log.WithFields(logrus.Fields{"module": "notify", "interval": w.Interval}).Info("delivery worker started")
}

// Stop waits for the current batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.wg.Wait()
	w.ticker = nil
	w.Log.WithField("module", "notify").Info("delivery worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stop
		cancel()
	}()

	w.RunOnce(ctx)
	for {
		select {
		case <-w.ticker.C:
			w.RunOnce(ctx)
		case <-w.stop:
			return
		}
	}
}

// Result counts one batch.
type Result struct {
	Sent   int
	Failed int
	Retry  int
}

// RunOnce delivers one batch.
func (w *Worker) RunOnce(ctx context.Context) Result {
	log := w.Log.WithFields(logrus.Fields{"module": "notify", "func": "RunOnce"})
	pending, err := w.Store.PendingEmails(ctx, w.BatchSize)
	if err != nil {
		log.WithError(err).Error("load pending emails")
		return Result{}
	}
	if len(pending) == 0 {
		return Result{}
	}

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	if w.Parallelism > 0 {
		g.SetLimit(w.Parallelism)
	}
	for _, e := range pending {
		e := e
		g.Go(func() error {
			outcome := w.deliver(gctx, e)
			mu.Lock()
			switch outcome {
			case compliance.EmailSent:
				res.Sent++
			case compliance.EmailFailed:
				res.Failed++
			default:
				res.Retry++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logrus.Fields{"sent": res.Sent, "failed": res.Failed, "retry": res.Retry}).Info("delivery batch done")
	return res
}

func (w *Worker) deliver(ctx context.Context, e compliance.EmailRequest) compliance.EmailStatus {
	log := w.Log.WithFields(logrus.Fields{"module": "notify", "email": e.ID, "type": e.Type})
	sendErr := w.Sender.Send(ctx, e)

	e.Attempts++
	e.UpdatedAt = w.Now()
	switch {
	case sendErr == nil:
		e.Status = compliance.EmailSent
		e.LastError = ""
	case w.MaxAttempts > 0 && e.Attempts >= w.MaxAttempts:
		e.Status = compliance.EmailFailed
		e.LastError = sendErr.Error()
		log.WithError(sendErr).Warn("email failed permanently")
	default:
		e.LastError = sendErr.Error()
		log.WithError(sendErr).Info("email send failed, will retry")
	}
	if err := w.Store.UpdateEmail(context.WithoutCancel(ctx), e); err != nil {
		log.WithError(err).Error("record email outcome")
	}
	return e.Status
}
