// Package batch dispatches scans to the regression pipeline with a
// concurrency limit. Scans are independent: a failed scan is reported in its
// outcome and never stops the others.
package batch

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confreg/internal/models"
	"confreg/pkg/diagnosis"
	"confreg/pkg/ledger"
	"confreg/pkg/regression"
)

// Plugin selects the execution strategy.
type Plugin string

const (
	// Linear runs one scan at a time.
	Linear Plugin = "Linear"

	// MultiProc runs scans in parallel, up to the job limit.
	MultiProc Plugin = "MultiProc"
)

// ParsePlugin accepts plugin names case-insensitively.
func ParsePlugin(name string) (Plugin, error) {
	switch strings.ToLower(name) {
	case "linear":
		return Linear, nil
	case "multiproc":
		return MultiProc, nil
	}
	return "", fmt.Errorf("unknown execution plugin %q (must be Linear or MultiProc)", name)
}

// Limit returns the number of concurrent scans for the plugin. MultiProc
// uses maxJobs when positive and the CPU count otherwise.
func (p Plugin) Limit(maxJobs int) int {
	if p != MultiProc {
		return 1
	}
	if maxJobs > 0 {
		return maxJobs
	}
	return runtime.NumCPU()
}

// Processor cleans one scan. Fingerprint identifies the output Process
// would write, so the ledger can tell a completed scan from a stale one.
type Processor interface {
	Process(ctx context.Context, files models.ScanFiles) (*regression.Result, error)
	Fingerprint(files models.ScanFiles) (string, error)
}

// Diagnoser reports on one cleaned scan.
type Diagnoser interface {
	Run(ctx context.Context, in diagnosis.Input) (*diagnosis.Report, error)
}

// Outcome is the result of one scan.
type Outcome struct {
	Scan string

	// Skipped is set when the ledger shows the scan already completed with
	// the same fingerprint.
	Skipped bool

	Result *regression.Result
	Err    error

	Diagnosis    *diagnosis.Report
	DiagnosisErr error

	Elapsed time.Duration
}

// Dispatcher runs scans through a Processor.
type Dispatcher struct {
	proc   Processor
	diag   Diagnoser
	ledger *ledger.Ledger
	limit  int
	force  bool
	logger *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLimit sets the number of concurrent scans.
func WithLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limit = n
		}
	}
}

// WithLedger records outcomes in l and skips scans it shows completed.
func WithLedger(l *ledger.Ledger) Option {
	return func(d *Dispatcher) { d.ledger = l }
}

// WithForce reprocesses scans the ledger shows completed.
func WithForce(force bool) Option {
	return func(d *Dispatcher) { d.force = force }
}

// WithDiagnoser runs diagnosis after every successful scan.
func WithDiagnoser(diag Diagnoser) Option {
	return func(d *Dispatcher) { d.diag = diag }
}

// New creates a dispatcher running one scan at a time unless WithLimit is given.
func New(proc Processor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		proc:   proc,
		limit:  1,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run processes scans and returns one outcome per scan, in input order.
// The error is non-nil only when ctx was cancelled; scans not started by
// then carry the context error.
func (d *Dispatcher) Run(ctx context.Context, scans []models.ScanFiles) ([]Outcome, error) {
	d.logger.Info("Starting batch",
		zap.Int("scans", len(scans)),
		zap.Int("concurrency", d.limit))
	start := time.Now()

	outcomes := make([]Outcome, len(scans))
	var g errgroup.Group
	g.SetLimit(d.limit)
	for i, files := range scans {
		outcomes[i].Scan = files.Key.String()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			outcomes[i] = d.runScan(ctx, files)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("Batch complete",
		zap.Int("scans", len(scans)),
		zap.Int("failed", Failed(outcomes)),
		zap.Duration("elapsed", time.Since(start)))
	return outcomes, ctx.Err()
}

func (d *Dispatcher) runScan(ctx context.Context, files models.ScanFiles) Outcome {
	out := Outcome{Scan: files.Key.String()}
	logger := d.logger.With(zap.String("scan", out.Scan))

	var fingerprint string
	if d.ledger != nil {
		var err error
		if fingerprint, err = d.proc.Fingerprint(files); err != nil {
			logger.Warn("Failed to fingerprint scan", zap.Error(err))
		}
	}
	if d.ledger != nil && !d.force && fingerprint != "" {
		done, err := d.ledger.IsCompleted(ctx, out.Scan, fingerprint)
		if err != nil {
			logger.Warn("Ledger lookup failed", zap.Error(err))
		}
		if done {
			logger.Info("Skipping completed scan")
			out.Skipped = true
			return out
		}
	}

	start := time.Now()
	out.Result, out.Err = d.proc.Process(ctx, files)
	out.Elapsed = time.Since(start)

	entry := ledger.Entry{Scan: out.Scan, Status: ledger.StatusCompleted, Fingerprint: fingerprint}
	if out.Err != nil {
		logger.Error("Scan failed", zap.Error(out.Err))
		entry.Status = ledger.StatusFailed
		entry.Error = out.Err.Error()
	} else {
		logger.Info("Scan completed",
			zap.String("cleaned", out.Result.CleanedPath),
			zap.Int("frames", out.Result.Frames),
			zap.Duration("elapsed", out.Elapsed))
		entry.CleanedPath = out.Result.CleanedPath
		entry.Frames = out.Result.Frames
	}
	if d.ledger != nil {
		// Recorded even when ctx is cancelled.
		if err := d.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
			logger.Warn("Ledger write failed", zap.Error(err))
		}
	}

	if out.Err == nil && d.diag != nil {
		out.Diagnosis, out.DiagnosisErr = d.diag.Run(ctx, diagnosis.Input{
			Scan:          out.Scan,
			CleanedPath:   out.Result.CleanedPath,
			BoldPath:      out.Result.BoldPath,
			BrainMaskPath: files.BrainMask,
		})
		if out.DiagnosisErr != nil {
			logger.Error("Diagnosis failed", zap.Error(out.DiagnosisErr))
		}
	}
	return out
}

// Failed counts outcomes with a scan error.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
