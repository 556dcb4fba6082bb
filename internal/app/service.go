package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/auth"
	"roadwatch/api/internal/identity"
	"roadwatch/api/internal/lifecycle"
	"roadwatch/api/internal/reconcile"
	"roadwatch/api/internal/rhi"
	"roadwatch/api/internal/search"
	"roadwatch/api/internal/store"
)

// Session is the authenticated caller of one request.
type Session struct {
	User      store.User
	Actor     lifecycle.Actor
	TokenID   string
	ExpiresAt time.Time
}

type revocationList interface {
	Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type syncQueue interface {
	Pending(ctx context.Context) ([]string, error)
	DrainQueue(ctx context.Context) (reconcile.DrainResult, error)
	Conflicts(ctx context.Context) ([]string, error)
	Discard(ctx context.Context, id string) (store.Report, error)
}

type contractorDirectory interface {
	ListContractors(ctx context.Context, zone string) ([]store.Contractor, error)
}

type mediaStore interface {
	Store(ctx context.Context, data []byte, folder, keyHint string) (string, error)
}

type classifier interface {
	Classify(ctx context.Context, imageURL string) (*store.AIDetection, error)
}

type zoneResolver interface {
	Resolve(lat, lng float64) (string, bool)
}

type reportSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type changeFeed interface {
	OnReportChanged(filter store.ReportFilter, fn func(reconcile.Change)) (cancel func())
}

// Deps are the components the HTTP surface fronts. Media, Classifier,
// Zones, Search and Changes are optional.
type Deps struct {
	Reports     *lifecycle.Service
	Identity    *identity.Service
	RHI         *rhi.Service
	Tokens      *auth.Issuer
	Revocations revocationList
	Sync        syncQueue
	Contractors contractorDirectory
	Media       mediaStore
	Classifier  classifier
	Zones       zoneResolver
	Search      reportSearcher
	Changes     changeFeed
	// Checks are run by the readiness probe, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

type Service struct {
	deps            Deps
	logger          *zap.Logger
	classifyTimeout time.Duration
}

func New(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger, classifyTimeout: 20 * time.Second}
}

// Bootstrap provisions the configured admin account, if any.
func (s *Service) Bootstrap(ctx context.Context, username, password string, pointsPool int) error {
	if strings.TrimSpace(username) == "" {
		return nil
	}
	if password == "" {
		return errors.New("bootstrap admin needs a password")
	}
	admin, err := s.deps.Identity.EnsureAdmin(ctx, username, password, pointsPool)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	s.logger.Info("app: bootstrap admin ready", zap.String("user_id", admin.ID), zap.String("username", admin.Username))
	return nil
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failed := map[string]error{}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Login verifies credentials and issues an access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, Session, error) {
	user, err := s.deps.Identity.Login(ctx, username, password)
	if err != nil {
		return "", Session{}, err
	}
	actor, err := lifecycle.ActorFor(user)
	if err != nil {
		return "", Session{}, err
	}
	token, claims, err := s.deps.Tokens.Issue(user)
	if err != nil {
		return "", Session{}, err
	}
	return token, Session{User: user, Actor: actor, TokenID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// SessionFromToken resolves a bearer token to its session. Revoked tokens
// are invalid.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.deps.Tokens.Parse(token)
	if err != nil {
		return Session{}, err
	}
	if s.deps.Revocations != nil {
		revoked, err := s.deps.Revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	user, err := s.deps.Identity.Resolve(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	actor, err := lifecycle.ActorFor(user)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Actor: actor, TokenID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.deps.Revocations == nil {
		return nil
	}
	return s.deps.Revocations.Revoke(ctx, session.TokenID, session.User.ID, session.ExpiresAt)
}

// SubmitReport fills in the zone from coordinates and asks the classifier
// when the draft carries no detection, then hands the draft to the
// lifecycle. Classification is advisory: failures leave it empty.
func (s *Service) SubmitReport(ctx context.Context, session Session, draft store.Report) (store.Report, error) {
	if strings.TrimSpace(draft.Location.Zone) == "" && s.deps.Zones != nil {
		if zone, ok := s.deps.Zones.Resolve(draft.Location.Latitude, draft.Location.Longitude); ok {
			draft.Location.Zone = zone
		}
	}
	if draft.AIDetection == nil && draft.PhotoURI != "" && s.deps.Classifier != nil {
		classifyCtx, cancel := context.WithTimeout(ctx, s.classifyTimeout)
		detection, err := s.deps.Classifier.Classify(classifyCtx, draft.PhotoURI)
		cancel()
		if err != nil {
			s.logger.Warn("app: classification skipped", zap.String("report_id", draft.ID), zap.Error(err))
		} else {
			draft.AIDetection = detection
		}
	}
	return s.deps.Reports.Submit(ctx, session.Actor, draft)
}

// Upload stores a media file under a folder that names its purpose.
func (s *Service) Upload(ctx context.Context, data []byte, purpose, filename string) (string, error) {
	if s.deps.Media == nil {
		return "", errUnavailable
	}
	return s.deps.Media.Store(ctx, data, purpose, filename)
}

func (s *Service) SearchReports(ctx context.Context, session Session, q search.Query) search.Response {
	q = q.Scoped(lifecycle.Scope(session.Actor))
	if s.deps.Search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "none"}
	}
	return s.deps.Search.Search(ctx, q)
}
