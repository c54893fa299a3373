// Package recon re-polls stuck settlements, expires overdue leases and writes
// reconciliation reports.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"rentflow/integrations/exports"
	"rentflow/lease"
)

// Anomaly types raised by the reconciler.
const (
	AnomalyConflictingSettlement = "conflicting_settlement"
	AnomalySettlementFailed      = "settlement_failed"
	AnomalyStillPending          = "still_pending"
	AnomalySettlementRejected    = "settlement_rejected"
	AnomalySettledClosedLease    = "settled_on_closed_lease"
	AnomalyReconcileError        = "reconcile_error"
	AnomalyMirrorFailed          = "mirror_failed"
)

// LeaseService is the part of lease.Service the reconciler drives.
type LeaseService interface {
	ReconcilePending(ctx context.Context, olderThan, budget time.Duration) (*lease.ReconcileReport, error)
	ExpireOverdue(ctx context.Context) (int, error)
	Obligations(ctx context.Context, leaseID string) ([]lease.PaymentObligation, error)
	UnmirroredLeases(ctx context.Context) ([]string, error)
}

// ChainRecorder mirrors a fully signed lease on-chain.
type ChainRecorder interface {
	Record(ctx context.Context, leaseID string) (string, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Service    LeaseService
	Mirror     ChainRecorder
	StaleAfter time.Duration
	PollBudget time.Duration
	OutputDir  string
	DryRun     bool
	Now        func() time.Time
	Alert      AlertFunc
	Logger     *slog.Logger
}

// Reconciler runs one reconciliation pass per Run call.
type Reconciler struct {
	svc        LeaseService
	mirror     ChainRecorder
	staleAfter time.Duration
	pollBudget time.Duration
	outputDir  string
	dryRun     bool
	now        func() time.Time
	alert      AlertFunc
	logger     *slog.Logger
}

// Anomaly captures an obligation requiring operator review.
type Anomaly struct {
	Type         string
	ObligationID string
	LeaseID      string
	TransferID   string
	Details      string
}

// ReportFile references the artefacts written for a run.
type ReportFile struct {
	CSVPath      string
	CSVChecksum  string
	ParquetPath  string
	LedgerPath   string
	LedgerSHA256 string
	Count        int
}

// Result summarises a reconciliation run.
type Result struct {
	StartedAt time.Time
	Report    *lease.ReconcileReport
	Expired   int
	Mirrored  int
	Anomalies []Anomaly
	Files     []ReportFile
}

// NewReconciler validates cfg and applies defaults.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Service == nil {
		return nil, errors.New("recon: lease service required")
	}
	if !cfg.DryRun && cfg.OutputDir == "" {
		return nil, errors.New("recon: output directory required")
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	budget := cfg.PollBudget
	if budget <= 0 {
		budget = 5 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		svc:        cfg.Service,
		mirror:     cfg.Mirror,
		staleAfter: staleAfter,
		pollBudget: budget,
		outputDir:  cfg.OutputDir,
		dryRun:     cfg.DryRun,
		now:        now,
		alert:      cfg.Alert,
		logger:     logger.With("component", "recon"),
	}, nil
}

// Run re-polls stale Pending obligations, resumes unfinished activations,
// expires overdue leases, retries on-chain mirroring and writes the CSV,
// Parquet and ledger snapshot reports for the entries it touched.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	started := r.now()
	report, err := r.svc.ReconcilePending(ctx, r.staleAfter, r.pollBudget)
	if err != nil && report == nil {
		return nil, fmt.Errorf("recon: reconcile pending: %w", err)
	}
	if err != nil {
		r.logger.Warn("reconciliation finished with errors", slog.Any("error", err))
	}
	expired, expireErr := r.svc.ExpireOverdue(ctx)
	if expireErr != nil {
		return nil, fmt.Errorf("recon: expire overdue: %w", expireErr)
	}
	report.Expired = expired

	result := &Result{StartedAt: started, Report: report, Expired: expired}
	for _, entry := range report.Entries {
		var anomalyType string
		switch entry.Outcome {
		case "conflict":
			anomalyType = AnomalyConflictingSettlement
		case "failed":
			anomalyType = AnomalySettlementFailed
		case "pending":
			anomalyType = AnomalyStillPending
		case "rejected":
			anomalyType = AnomalySettlementRejected
		case "settled_closed_lease":
			anomalyType = AnomalySettledClosedLease
		case "error":
			anomalyType = AnomalyReconcileError
		default:
			continue
		}
		result.Anomalies = append(result.Anomalies, r.raise(ctx, Anomaly{
			Type:         anomalyType,
			ObligationID: entry.ObligationID,
			LeaseID:      entry.LeaseID,
			TransferID:   entry.TransferID,
			Details:      fmt.Sprintf("%s obligation %s", entry.Kind, entry.Outcome),
		}))
	}
	mirrored, mirrorAnomalies, err := r.mirrorPending(ctx)
	if err != nil {
		return nil, err
	}
	result.Mirrored = mirrored
	result.Anomalies = append(result.Anomalies, mirrorAnomalies...)
	r.logger.Info("reconciliation run complete",
		slog.Int("checked", report.Checked),
		slog.Int("settled", report.Settled),
		slog.Int("failed", report.Failed),
		slog.Int("still_pending", report.StillPending),
		slog.Int("conflicts", report.Conflicts),
		slog.Int("rejected", report.Rejected),
		slog.Int("closed_lease", report.ClosedLease),
		slog.Int("resumed", report.Resumed),
		slog.Int("expired", expired),
		slog.Int("mirrored", mirrored))

	if r.dryRun || len(report.Entries) == 0 {
		return result, nil
	}
	file, err := r.writeReportFiles(ctx, started, report.Entries)
	if err != nil {
		return nil, err
	}
	result.Files = append(result.Files, file)
	return result, nil
}

// mirrorPending records on-chain every signed lease that is still missing its
// mirror transaction. A failed lease raises an anomaly and is retried next run.
func (r *Reconciler) mirrorPending(ctx context.Context) (int, []Anomaly, error) {
	if r.mirror == nil {
		return 0, nil, nil
	}
	ids, err := r.svc.UnmirroredLeases(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("recon: list unmirrored leases: %w", err)
	}
	mirrored := 0
	var anomalies []Anomaly
	for _, id := range ids {
		if _, err := r.mirror.Record(ctx, id); err != nil {
			if ctx.Err() != nil {
				return mirrored, anomalies, ctx.Err()
			}
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyMirrorFailed,
				LeaseID: id,
				Details: err.Error(),
			}))
			continue
		}
		mirrored++
	}
	return mirrored, anomalies, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Warn("recon alert delivery failed", slog.Any("error", err))
		}
	}
	return anomaly
}

func (r *Reconciler) writeReportFiles(ctx context.Context, started time.Time, entries []lease.ReconcileEntry) (ReportFile, error) {
	runDir := filepath.Join(r.outputDir, started.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return ReportFile{}, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	file := ReportFile{Count: len(entries)}

	data, checksum, err := exports.ReconcileCSV(entries, started)
	if err != nil {
		return ReportFile{}, fmt.Errorf("recon: build csv: %w", err)
	}
	file.CSVPath = filepath.Join(runDir, "reconcile.csv")
	file.CSVChecksum = checksum
	if err := os.WriteFile(file.CSVPath, data, 0o644); err != nil {
		return ReportFile{}, fmt.Errorf("recon: write csv: %w", err)
	}

	file.ParquetPath = filepath.Join(runDir, "reconcile.parquet")
	if err := writeParquet(file.ParquetPath, entries, started); err != nil {
		return ReportFile{}, err
	}

	ledger, err := r.ledgerSnapshot(ctx, entries)
	if err != nil {
		return ReportFile{}, err
	}
	snapshot, ledgerChecksum, err := exports.ObligationsJSONL(ledger)
	if err != nil {
		return ReportFile{}, fmt.Errorf("recon: build ledger snapshot: %w", err)
	}
	file.LedgerPath = filepath.Join(runDir, "ledger.jsonl")
	file.LedgerSHA256 = ledgerChecksum
	if err := os.WriteFile(file.LedgerPath, snapshot, 0o644); err != nil {
		return ReportFile{}, fmt.Errorf("recon: write ledger snapshot: %w", err)
	}
	r.logger.Info("recon reports written", slog.String("dir", runDir), slog.Int("rows", len(entries)))
	return file, nil
}

// ledgerSnapshot collects the current obligations of every lease touched by
// the run.
func (r *Reconciler) ledgerSnapshot(ctx context.Context, entries []lease.ReconcileEntry) ([]lease.PaymentObligation, error) {
	seen := make(map[string]struct{})
	leaseIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.LeaseID]; ok {
			continue
		}
		seen[entry.LeaseID] = struct{}{}
		leaseIDs = append(leaseIDs, entry.LeaseID)
	}
	sort.Strings(leaseIDs)
	var obligations []lease.PaymentObligation
	for _, id := range leaseIDs {
		rows, err := r.svc.Obligations(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("recon: load obligations for %s: %w", id, err)
		}
		obligations = append(obligations, rows...)
	}
	return obligations, nil
}

type parquetRow struct {
	ObligationID string `parquet:"name=obligation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	LeaseID      string `parquet:"name=lease_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind         string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	TransferID   string `parquet:"name=transfer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome      string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash       string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	GeneratedAt  string `parquet:"name=generated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, entries []lease.ReconcileEntry, generatedAt time.Time) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	stamp := generatedAt.UTC().Format(time.RFC3339)
	for _, entry := range entries {
		row := &parquetRow{
			ObligationID: entry.ObligationID,
			LeaseID:      entry.LeaseID,
			Kind:         string(entry.Kind),
			TransferID:   entry.TransferID,
			Outcome:      entry.Outcome,
			TxHash:       entry.TxHash,
			GeneratedAt:  stamp,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}
