// Package annotate sends assembled prompts to a chat-completion endpoint and
// returns one caption per prompt, in prompt order. Every request moves through
// a small state machine; failures end in either a fatal error or the
// placeholder sentinel, depending on the failure class and the retry policy.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maastricht-university/speechcaps/clients"
	"github.com/maastricht-university/speechcaps/metrics"
)

// ErrRetryable is returned under the fail_fast policy when a request fails
// with a transient error.
var ErrRetryable = errors.New("retryable annotation failure")

type State int

const (
	Pending State = iota
	Sent
	Success
	NonRetryable
	Retryable
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Success:
		return "success"
	case NonRetryable:
		return "non_retryable_failure"
	case Retryable:
		return "retryable_failure"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Retry policies.
const (
	FailFast = "fail_fast"
	Backoff  = "retry"
)

// nonRetryable lists the statuses that will not succeed on resend.
var nonRetryable = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusUnauthorized:          true,
	http.StatusForbidden:             true,
	http.StatusNotFound:              true,
	http.StatusMethodNotAllowed:      true,
	http.StatusConflict:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
}

// Chatter is the chat-completion call. *clients.HTTP satisfies it.
type Chatter interface {
	Chat(ctx context.Context, url string, req clients.ChatReq) (string, error)
}

type Options struct {
	URL         string
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64

	Concurrency int
	// Limiter paces request starts when set.
	Limiter     *rate.Limiter
	Placeholder string

	Policy      string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// CheckpointEvery is how many finished rows are buffered before the
	// checkpoint callback is invoked.
	CheckpointEvery int
}

// Entry is one finished row as handed to a checkpoint.
type Entry struct {
	Index       int
	Caption     string
	Placeholder bool
}

// Checkpoint persists finished rows. It is never called concurrently.
type Checkpoint func(entries []Entry) error

type Result struct {
	Captions     []string
	States       []State
	Placeholders int
}

type Annotator struct {
	chat    Chatter
	opts    Options
	log     *logrus.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(chat Chatter, opts Options, log *logrus.Logger, m *metrics.Metrics) *Annotator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 1
	}
	if opts.Policy == "" {
		opts.Policy = FailFast
	}
	return &Annotator{chat: chat, opts: opts, log: log, metrics: m, sleep: sleepCtx}
}

// Annotate captions every prompt not already present in done, which maps row
// index to a caption recovered from a previous checkpoint. save may be nil.
// On error the returned Result is nil; rows finished before the error have
// already been checkpointed.
func (a *Annotator) Annotate(ctx context.Context, prompts []string, done map[int]string, save Checkpoint) (*Result, error) {
	res := &Result{
		Captions: make([]string, len(prompts)),
		States:   make([]State, len(prompts)),
	}
	for i, c := range done {
		if i < 0 || i >= len(prompts) {
			continue
		}
		res.Captions[i] = c
		res.States[i] = Success
		if c == a.opts.Placeholder {
			res.States[i] = NonRetryable
		}
	}

	cp := &checkpointer{every: a.opts.CheckpointEvery, save: save}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, p := range prompts {
		if _, ok := done[i]; ok {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		i, p := i, p
		g.Go(func() error { return a.one(gctx, i, p, res, cp) })
	}
	werr := g.Wait()
	if err := cp.flush(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return nil, werr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, c := range res.Captions {
		if c == a.opts.Placeholder {
			res.Placeholders++
		}
	}
	if a.metrics != nil {
		a.metrics.Placeholders.Add(float64(res.Placeholders))
	}
	if res.Placeholders > 0 {
		a.log.WithFields(logrus.Fields{"placeholders": res.Placeholders, "rows": len(prompts)}).
			Warn("some rows carry the placeholder caption")
	}
	return res, nil
}

// one drives a single request to a final state. Only the goroutine owning
// index i writes res.Captions[i] and res.States[i].
func (a *Annotator) one(ctx context.Context, i int, prompt string, res *Result, cp *checkpointer) error {
	req := clients.ChatReq{
		Model:       a.opts.Model,
		Messages:    []clients.Message{{Role: "user", Content: prompt}},
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
		TopP:        a.opts.TopP,
	}
	log := a.log.WithField("row", i)

	for attempt := 0; ; attempt++ {
		if a.opts.Limiter != nil {
			if err := a.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		res.States[i] = Sent
		text, err := a.chat.Chat(ctx, a.opts.URL, req)
		if err == nil {
			res.Captions[i] = strings.TrimSpace(text)
			a.finish(res, i, Success)
			return cp.add(Entry{Index: i, Caption: res.Captions[i]})
		}
		if errors.Is(err, clients.ErrMalformedResponse) {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var se *clients.StatusError
		if errors.As(err, &se) && nonRetryable[se.Code] {
			log.WithField("status", se.Code).WithError(err).Warn("request rejected, using placeholder")
			res.Captions[i] = a.opts.Placeholder
			a.finish(res, i, NonRetryable)
			return cp.add(Entry{Index: i, Caption: a.opts.Placeholder, Placeholder: true})
		}

		res.States[i] = Retryable
		if a.opts.Policy != Backoff {
			a.count(Retryable)
			return fmt.Errorf("%w: row %d: %w", ErrRetryable, i, err)
		}
		if attempt+1 >= a.opts.MaxAttempts {
			log.WithField("attempts", attempt+1).WithError(err).Warn("retries exhausted, using placeholder")
			res.Captions[i] = a.opts.Placeholder
			a.count(Retryable)
			return nil
		}
		d := a.delay(attempt)
		log.WithFields(logrus.Fields{"attempt": attempt + 1, "backoff": d}).WithError(err).Debug("retrying request")
		if err := a.sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (a *Annotator) finish(res *Result, i int, s State) {
	res.States[i] = s
	a.count(s)
}

func (a *Annotator) count(s State) {
	if a.metrics != nil {
		a.metrics.Requests.WithLabelValues(s.String()).Inc()
	}
}

// delay is base·2^attempt, capped at MaxDelay.
func (a *Annotator) delay(attempt int) time.Duration {
	d := a.opts.BaseDelay
	for k := 0; k < attempt && (a.opts.MaxDelay <= 0 || d < a.opts.MaxDelay); k++ {
		d *= 2
	}
	if a.opts.MaxDelay > 0 && d > a.opts.MaxDelay {
		d = a.opts.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type checkpointer struct {
	mu      sync.Mutex
	every   int
	save    Checkpoint
	pending []Entry
}

func (c *checkpointer) add(e Entry) error {
	if c.save == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, e)
	if len(c.pending) < c.every {
		return nil
	}
	return c.flushLocked()
}

func (c *checkpointer) flush() error {
	if c.save == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *checkpointer) flushLocked() error {
	if len(c.pending) == 0 {
		return nil
	}
	if err := c.save(c.pending); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	c.pending = nil
	return nil
}
