package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/notify"
	"roadwatch/api/internal/store"
	"roadwatch/api/internal/util"
)

// Reports is the reconciled report store.
type Reports interface {
	Save(ctx context.Context, report store.Report) (store.Report, error)
	Read(ctx context.Context, filter store.ReportFilter) ([]store.Report, error)
	ReadByID(ctx context.Context, id string) (store.Report, error)
	Delete(ctx context.Context, id string) error
}

// PointsLedger performs the atomic flag, debit and credit of a points award.
type PointsLedger interface {
	AwardPoints(ctx context.Context, award store.Award) (time.Time, error)
}

type BlobStore interface {
	Delete(ctx context.Context, publicURL string) error
}

type Config struct {
	ReportPoints int
	RepairPoints int
}

// Service runs every lifecycle action as read, decide, write, then notify.
// Notifications are dispatched only after the write succeeded.
type Service struct {
	reports    Reports
	ledger     PointsLedger
	blobs      BlobStore
	dispatcher notify.Dispatcher
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
	newID      func() string
}

func NewService(reports Reports, ledger PointsLedger, blobs BlobStore, dispatcher notify.Dispatcher, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dispatcher == nil {
		dispatcher = notify.NewLogDispatcher(logger)
	}
	if cfg.ReportPoints <= 0 {
		cfg.ReportPoints = 10
	}
	if cfg.RepairPoints <= 0 {
		cfg.RepairPoints = 20
	}
	return &Service{
		reports:    reports,
		ledger:     ledger,
		blobs:      blobs,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return util.NewID("rpt") },
	}
}

// Submit creates a report. A client may resend a draft under the id it
// generated; if that id is already stored for the same citizen and draft,
// the stored report is returned and nobody is notified again. Any other
// reuse of an id is rejected.
func (s *Service) Submit(ctx context.Context, actor Actor, draft store.Report) (store.Report, error) {
	if draft.ID == "" {
		draft.ID = s.newID()
	}
	report, err := Submit(actor, draft, s.now())
	if err != nil {
		return store.Report{}, err
	}

	existing, err := s.reports.ReadByID(ctx, report.ID)
	switch {
	case err == nil:
		if sameSubmission(existing, report) {
			return existing, nil
		}
		return store.Report{}, invalid("id", "is already used by another report")
	case !errors.Is(err, store.ErrNotFound):
		return store.Report{}, err
	}
	return s.commit(ctx, nil, report)
}

// sameSubmission compares what the citizen supplied. The AI detection is
// left out since it may be filled in by the classifier on each attempt.
func sameSubmission(stored, resent store.Report) bool {
	return stored.CitizenID == resent.CitizenID &&
		stored.ReportingMode == resent.ReportingMode &&
		stored.Location == resent.Location &&
		stored.PhotoURI == resent.PhotoURI &&
		stored.VideoURI == resent.VideoURI
}

func (s *Service) Get(ctx context.Context, actor Actor, id string) (store.Report, error) {
	report, err := s.reports.ReadByID(ctx, id)
	if err != nil {
		return store.Report{}, err
	}
	if !Visible(actor, report) {
		return store.Report{}, forbidden(actor, "view this report", "")
	}
	return report, nil
}

// List returns the reports the actor can see.
func (s *Service) List(ctx context.Context, actor Actor) ([]store.Report, error) {
	if actor == nil {
		return nil, forbidden(actor, "list reports", "")
	}
	return s.reports.Read(ctx, Scope(actor))
}

func (s *Service) Assign(ctx context.Context, actor Actor, id, contractorID string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return Assign(actor, r, contractorID, s.now())
	})
}

func (s *Service) SelfAssign(ctx context.Context, actor Actor, id string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return SelfAssign(actor, r)
	})
}

func (s *Service) SubmitProof(ctx context.Context, actor Actor, id, proofURI string, materials []string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return SubmitProof(actor, r, proofURI, materials)
	})
}

func (s *Service) Approve(ctx context.Context, actor Actor, id string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return Approve(actor, r, s.now())
	})
}

func (s *Service) Reject(ctx context.Context, actor Actor, id string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return Reject(actor, r)
	})
}

func (s *Service) CompleteDirect(ctx context.Context, actor Actor, id, proofURI string, materials []string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return CompleteDirect(actor, r, proofURI, materials, s.now())
	})
}

func (s *Service) Rate(ctx context.Context, actor Actor, id string, rating int, feedback string) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return Rate(actor, r, rating, feedback)
	})
}

func (s *Service) Triage(ctx context.Context, actor Actor, id string, t Triage) (store.Report, error) {
	return s.mutate(ctx, id, func(r store.Report) (store.Report, error) {
		return ApplyTriage(actor, r, t)
	})
}

// AwardReportPoints credits the reporting citizen from the admin's pool.
func (s *Service) AwardReportPoints(ctx context.Context, actor Actor, id string) (store.Report, error) {
	return s.award(ctx, actor, id, store.PointsForReport)
}

// AwardRepairPoints credits the contractor, or the officer for a direct
// repair, once the report is completed.
func (s *Service) AwardRepairPoints(ctx context.Context, actor Actor, id string) (store.Report, error) {
	return s.award(ctx, actor, id, store.PointsForRepair)
}

func (s *Service) award(ctx context.Context, actor Actor, id string, kind store.PointsKind) (store.Report, error) {
	admin, ok := actor.(Admin)
	if !ok {
		return store.Report{}, forbidden(actor, "award points", "only admins award points")
	}
	if s.ledger == nil {
		return store.Report{}, errors.New("points ledger is not configured")
	}

	current, err := s.reports.ReadByID(ctx, id)
	if err != nil {
		return store.Report{}, err
	}
	if current.SyncStatus != store.SyncSynced {
		return store.Report{}, invalid("syncStatus", "report has not reached the remote store yet")
	}

	award := store.Award{Kind: kind, ReportID: id, AdminID: admin.ID}
	switch kind {
	case store.PointsForReport:
		if current.ReportApprovedForPoints {
			return store.Report{}, invalid("reportApprovedForPoints", "points already awarded for this report")
		}
		award.BeneficiaryID = current.CitizenID
		award.Amount = s.cfg.ReportPoints
	case store.PointsForRepair:
		if current.Status != store.StatusCompleted {
			return store.Report{}, invalid("status", "repair points require a completed report")
		}
		if current.RepairApprovedForPoints {
			return store.Report{}, invalid("repairApprovedForPoints", "points already awarded for this repair")
		}
		award.BeneficiaryID = current.ContractorID
		if award.BeneficiaryID == "" {
			award.BeneficiaryID = current.RSOID
		}
		award.Amount = s.cfg.RepairPoints
	default:
		return store.Report{}, fmt.Errorf("unknown points kind %q", kind)
	}
	if award.BeneficiaryID == "" {
		return store.Report{}, invalid("beneficiary", "report has nobody to credit")
	}

	updatedAt, err := s.ledger.AwardPoints(ctx, award)
	switch {
	case errors.Is(err, store.ErrAlreadyAwarded):
		return store.Report{}, invalid(string(kind)+"Points", "points already awarded")
	case errors.Is(err, store.ErrInsufficientPool):
		return store.Report{}, invalid("adminPointsPool", "balance is below %d points", award.Amount)
	case errors.Is(err, store.ErrBeneficiaryAbsent):
		return store.Report{}, invalid("beneficiary", "user %s does not exist", award.BeneficiaryID)
	case err != nil:
		return store.Report{}, err
	}
	s.logger.Info("lifecycle: points awarded",
		zap.String("report_id", id),
		zap.String("kind", string(kind)),
		zap.String("admin_id", admin.ID),
		zap.String("beneficiary_id", award.BeneficiaryID),
		zap.Int("amount", award.Amount),
	)

	refreshed, err := s.reports.ReadByID(ctx, id)
	if err != nil {
		if kind == store.PointsForReport {
			current.ReportApprovedForPoints = true
		} else {
			current.RepairApprovedForPoints = true
		}
		current.UpdatedAt = updatedAt
		return current, nil
	}
	return refreshed, nil
}

// Delete removes a report and releases its media. Admins may delete any
// report; a citizen only their own while it is still pending.
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	current, err := s.reports.ReadByID(ctx, id)
	if err != nil {
		return err
	}
	switch a := actor.(type) {
	case Admin:
	case Citizen:
		if current.CitizenID != a.ID {
			return forbidden(actor, "delete this report", "report belongs to another citizen")
		}
		if current.Status != store.StatusPending {
			return invalid("status", "only pending reports can be withdrawn")
		}
	default:
		return forbidden(actor, "delete reports", "")
	}

	if err := s.reports.Delete(ctx, id); err != nil {
		return err
	}
	if s.blobs == nil {
		return nil
	}
	for _, uri := range current.MediaURIs() {
		if err := s.blobs.Delete(ctx, uri); err != nil {
			s.logger.Warn("lifecycle: release blob failed", zap.String("report_id", id), zap.String("uri", uri), zap.Error(err))
		}
	}
	return nil
}

// mutate reads the report immediately before applying the decision so the
// write carries the freshest version.
func (s *Service) mutate(ctx context.Context, id string, decide func(store.Report) (store.Report, error)) (store.Report, error) {
	current, err := s.reports.ReadByID(ctx, id)
	if err != nil {
		return store.Report{}, err
	}
	next, err := decide(current)
	if err != nil {
		return store.Report{}, err
	}
	return s.commit(ctx, &current, next)
}

func (s *Service) commit(ctx context.Context, previous *store.Report, next store.Report) (store.Report, error) {
	saved, err := s.reports.Save(ctx, next)
	if err != nil {
		return store.Report{}, err
	}
	for _, n := range Outbox(previous, saved) {
		if err := s.dispatcher.Notify(ctx, n); err != nil {
			s.logger.Warn("lifecycle: notification not delivered",
				zap.String("report_id", saved.ID),
				zap.String("audience", n.Audience.String()),
				zap.Error(err),
			)
		}
	}
	return saved, nil
}
