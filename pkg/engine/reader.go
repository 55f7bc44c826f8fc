package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stackpilot/pkg/naming"
)

// userInitiated is the reason the provider gives for stack-level events
// that start a caller-requested operation.
const userInitiated = "User Initiated"

// DefaultMaxReadErrors is how many consecutive transient read failures
// polling tolerates before giving up.
const DefaultMaxReadErrors = 5

// Reader reads stack state from the provider. It never mutates anything.
type Reader struct {
	provider      StackProvider
	clock         Clock
	logger        zerolog.Logger
	maxReadErrors int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderClock sets the clock used for polling.
func WithReaderClock(c Clock) ReaderOption {
	return func(r *Reader) { r.clock = c }
}

// WithReaderLogger sets the logger.
func WithReaderLogger(l zerolog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = l }
}

// WithMaxReadErrors sets the consecutive transient read failure limit.
func WithMaxReadErrors(n int) ReaderOption {
	return func(r *Reader) { r.maxReadErrors = n }
}

// NewReader creates a stack state reader.
func NewReader(provider StackProvider, opts ...ReaderOption) *Reader {
	r := &Reader{
		provider:      provider,
		clock:         SystemClock{},
		logger:        zerolog.Nop(),
		maxReadErrors: DefaultMaxReadErrors,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the reader's clock.
func (r *Reader) Clock() Clock {
	return r.clock
}

// FetchSnapshot returns the current snapshot of the identity's stack.
// A missing or fully deleted stack yields a not-found error.
func (r *Reader) FetchSnapshot(ctx context.Context, id naming.Identity) (*StackSnapshot, error) {
	snap, err := r.provider.DescribeStack(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Status.IsGone() {
		return nil, NewNotFoundError("stack does not exist", nil).WithResource(id.Name)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = r.clock.Now()
	}
	return snap, nil
}

// FetchSnapshotWithResources returns the snapshot with its resource list populated.
func (r *Reader) FetchSnapshotWithResources(ctx context.Context, id naming.Identity) (*StackSnapshot, error) {
	snap, err := r.FetchSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	resources, err := r.provider.ListStackResources(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	out := *snap
	out.Resources = resources
	return &out, nil
}

// FetchEvents returns the events of the most recent operation, oldest first.
func (r *Reader) FetchEvents(ctx context.Context, id naming.Identity) ([]StackEvent, error) {
	raw, err := r.provider.DescribeEvents(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	chronological := make([]StackEvent, len(raw))
	for i, ev := range raw {
		chronological[len(raw)-1-i] = ev
	}
	return LatestOperation(chronological, id.Name), nil
}

// LatestOperation trims chronological events to those of the most recent operation.
// The operation starts at the last stack-level in-progress event the caller initiated;
// without one, at the last stack-level create, update or delete in-progress event.
func LatestOperation(events []StackEvent, stackName string) []StackEvent {
	start := -1
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.IsStackLevel(stackName) && ev.Status.IsInProgress() && ev.StatusReason == userInitiated {
			start = i
			break
		}
	}
	if start < 0 {
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if !ev.IsStackLevel(stackName) {
				continue
			}
			switch ev.Status {
			case StackStatusCreateInProgress, StackStatusUpdateInProgress, StackStatusDeleteInProgress:
				start = i
			}
			if start >= 0 {
				break
			}
		}
	}
	if start < 0 {
		start = 0
	}
	out := make([]StackEvent, len(events)-start)
	copy(out, events[start:])
	return out
}

// WaitOptions controls WaitForTerminal.
type WaitOptions struct {
	// Backoff is the poll interval schedule.
	Backoff Backoff

	// Deadline bounds the wait; zero means no deadline.
	Deadline time.Time

	// OnPoll is called with each snapshot observed.
	OnPoll func(*StackSnapshot)
}

// WaitForTerminal polls until the stack reaches a terminal status.
// A stack that disappears is terminal and reported with StackStatusAbsent.
// Expiry of the deadline returns the last snapshot and a timeout error;
// cancellation returns the last snapshot and a cancelled error.
func (r *Reader) WaitForTerminal(ctx context.Context, id naming.Identity, opts WaitOptions) (*StackSnapshot, error) {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultPollBackoff
	}

	var (
		last       *StackSnapshot
		readErrors int
	)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, NewCancelledError("wait for stack cancelled", err).WithResource(id.Name)
		}

		snap, err := r.FetchSnapshot(ctx, id)
		switch {
		case err == nil:
			readErrors = 0
			last = snap
			if opts.OnPoll != nil {
				opts.OnPoll(snap)
			}
			if snap.Status.IsTerminal() {
				return snap, nil
			}
			r.logger.Debug().
				Str("stack", id.Name).
				Str("status", string(snap.Status)).
				Int("poll", attempt).
				Msg("Stack still in progress")
		case IsNotFound(err):
			return &StackSnapshot{Name: id.Name, Status: StackStatusAbsent, FetchedAt: r.clock.Now()}, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return last, NewCancelledError("wait for stack cancelled", err).WithResource(id.Name)
		case IsTransient(err):
			readErrors++
			r.logger.Warn().Err(err).
				Str("stack", id.Name).
				Int("consecutive_errors", readErrors).
				Msg("Transient error reading stack state")
			if readErrors > r.maxReadErrors {
				return last, fmt.Errorf("reading stack %s: %w", id.Name, err)
			}
		default:
			return last, err
		}

		delay := opts.Backoff.Next(attempt)
		if !opts.Deadline.IsZero() {
			remaining := opts.Deadline.Sub(r.clock.Now())
			if remaining <= 0 {
				return last, NewTimeoutError("stack did not reach a terminal status in time", nil).
					WithResource(id.Name)
			}
			if delay > remaining {
				delay = remaining
			}
		}
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return last, NewCancelledError("wait for stack cancelled", err).WithResource(id.Name)
		}
	}
}

// DetectDrift runs drift detection on the identity's stack and waits for it
// to finish. Drifted resources are listed only when the stack has drifted.
// A detection the provider could not finish returns the partial report and
// an unknown-class error carrying its reason.
func (r *Reader) DetectDrift(ctx context.Context, id naming.Identity, opts WaitOptions) (*DriftReport, error) {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultPollBackoff
	}

	detectionID, err := r.provider.DetectDrift(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("stack", id.Name).Str("detection", detectionID).Msg("Drift detection started")

	var det *DriftDetection
	for attempt := 0; ; attempt++ {
		det, err = r.provider.DescribeDriftDetection(ctx, detectionID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, NewCancelledError("drift detection cancelled", err).WithResource(id.Name)
			}
			return nil, err
		}
		if det.Status != DriftDetectionInProgress {
			break
		}

		delay := opts.Backoff.Next(attempt)
		if !opts.Deadline.IsZero() {
			remaining := opts.Deadline.Sub(r.clock.Now())
			if remaining <= 0 {
				return nil, NewTimeoutError("drift detection did not finish in time", nil).WithResource(id.Name)
			}
			if delay > remaining {
				delay = remaining
			}
		}
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return nil, NewCancelledError("drift detection cancelled", err).WithResource(id.Name)
		}
	}

	report := &DriftReport{
		StackName:   id.Name,
		DetectionID: detectionID,
		DriftStatus: det.DriftStatus,
		Reason:      det.Reason,
		Resources:   []ResourceDrift{},
		DetectedAt:  r.clock.Now(),
	}
	if det.Status == DriftDetectionFailed {
		return report, NewUnknownFailure("drift detection failed: "+det.Reason, nil).WithResource(id.Name)
	}
	if det.DriftStatus == StackDrifted {
		drifts, err := r.provider.DescribeResourceDrifts(ctx, id.Name)
		if err != nil {
			return report, err
		}
		report.Resources = drifts
	}
	r.logger.Info().
		Str("stack", id.Name).
		Str("drift_status", string(report.DriftStatus)).
		Int("drifted", len(report.Resources)).
		Msg("Drift detection finished")
	return report, nil
}
