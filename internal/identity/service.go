// Package identity registers users, checks passwords and resolves the
// current user, falling back to cached accounts while the remote store is
// unreachable.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"roadwatch/api/internal/store"
	"roadwatch/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotApproved        = errors.New("rso account is awaiting admin approval")
	ErrRoleNotAllowed     = errors.New("role cannot be self-registered")
)

// FieldError is a rejected registration input.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListPendingRSOs(ctx context.Context) ([]store.User, error)
	ApproveRSO(ctx context.Context, id string) (store.User, error)
}

type UserCache interface {
	PutUser(ctx context.Context, user store.User) error
	GetUser(ctx context.Context, id string) (store.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, bool, error)
}

type Service struct {
	users  UserStore
	cache  UserCache
	logger *zap.Logger
	cost   int
	newID  func() string
}

func NewService(users UserStore, cache UserCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:  users,
		cache:  cache,
		logger: logger,
		cost:   bcrypt.DefaultCost,
		newID:  func() string { return util.NewID("usr") },
	}
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,50}$`)

type RegisterRequest struct {
	Username string
	Password string
	Role     store.Role
	Zone     string
}

// Register creates a citizen, contractor or RSO account. RSOs start
// unapproved and cannot act until an admin approves them.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	if req.Role == "" {
		req.Role = store.RoleCitizen
	}
	switch req.Role {
	case store.RoleCitizen, store.RoleContractor, store.RoleRSO:
	default:
		return store.User{}, ErrRoleNotAllowed
	}
	return s.create(ctx, req, req.Role != store.RoleRSO, 0)
}

// Provision creates a staff account of any role, already approved. It is
// the admin path for admins and compliance officers.
func (s *Service) Provision(ctx context.Context, req RegisterRequest, pointsPool int) (store.User, error) {
	if !req.Role.Valid() {
		return store.User{}, &FieldError{Field: "role", Message: "unknown role"}
	}
	if pointsPool < 0 || (pointsPool > 0 && req.Role != store.RoleAdmin) {
		return store.User{}, &FieldError{Field: "adminPointsPool", Message: "only admins hold a non-negative points pool"}
	}
	return s.create(ctx, req, true, pointsPool)
}

// EnsureAdmin provisions the bootstrap admin unless the username exists.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string, pointsPool int) (store.User, error) {
	existing, err := s.users.GetUserByUsername(ctx, username)
	if err == nil {
		if existing.Role != store.RoleAdmin {
			return store.User{}, fmt.Errorf("bootstrap admin %q exists with role %s", username, existing.Role)
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}
	return s.Provision(ctx, RegisterRequest{Username: username, Password: password, Role: store.RoleAdmin}, pointsPool)
}

func (s *Service) create(ctx context.Context, req RegisterRequest, approved bool, pointsPool int) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	if !usernamePattern.MatchString(username) {
		return store.User{}, &FieldError{Field: "username", Message: "use 3 to 50 letters, digits, dots, dashes or underscores"}
	}
	if len(req.Password) < 8 {
		return store.User{}, &FieldError{Field: "password", Message: "must be at least 8 characters"}
	}
	zone := strings.TrimSpace(req.Zone)
	if req.Role == store.RoleRSO && zone == "" {
		return store.User{}, &FieldError{Field: "zone", Message: "an rso must name the zone they cover"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.users.CreateUser(ctx, store.User{
		ID:              s.newID(),
		Username:        username,
		PasswordHash:    string(hash),
		Role:            req.Role,
		Zone:            zone,
		IsApproved:      approved,
		AdminPointsPool: pointsPool,
	})
	if err != nil {
		return store.User{}, err
	}
	s.remember(ctx, created)
	s.logger.Info("identity: user registered",
		zap.String("user_id", created.ID),
		zap.String("role", string(created.Role)),
		zap.Bool("approved", created.IsApproved),
	)
	return created, nil
}

// Login checks the password against the remote account. When the remote
// store cannot be reached, a previously cached account is used instead.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		s.remember(ctx, user)
	case errors.Is(err, store.ErrNotFound):
		return store.User{}, ErrInvalidCredentials
	case unreachable(err):
		cached, ok := s.cached(ctx, func(c UserCache) (store.User, bool, error) {
			return c.GetUserByUsername(ctx, username)
		})
		if !ok {
			return store.User{}, err
		}
		s.logger.Warn("identity: remote store unreachable, using cached account", zap.String("user_id", cached.ID), zap.Error(err))
		user = cached
	default:
		return store.User{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if user.Role == store.RoleRSO && !user.IsApproved {
		return store.User{}, ErrNotApproved
	}
	return user, nil
}

// Resolve loads the user behind an access token.
func (s *Service) Resolve(ctx context.Context, id string) (store.User, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if err == nil {
		s.remember(ctx, user)
		return user, nil
	}
	if unreachable(err) {
		if cached, ok := s.cached(ctx, func(c UserCache) (store.User, bool, error) { return c.GetUser(ctx, id) }); ok {
			return cached, nil
		}
	}
	return store.User{}, err
}

// Approve flips an RSO's approval. Approving twice returns store.ErrAlreadyApproved.
func (s *Service) Approve(ctx context.Context, id string) (store.User, error) {
	user, err := s.users.ApproveRSO(ctx, id)
	if err != nil {
		return store.User{}, err
	}
	s.remember(ctx, user)
	s.logger.Info("identity: rso approved", zap.String("user_id", id), zap.String("zone", user.Zone))
	return user, nil
}

func (s *Service) PendingRSOs(ctx context.Context) ([]store.User, error) {
	return s.users.ListPendingRSOs(ctx)
}

func (s *Service) remember(ctx context.Context, user store.User) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutUser(ctx, user); err != nil {
		s.logger.Warn("identity: cache user failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (s *Service) cached(ctx context.Context, get func(UserCache) (store.User, bool, error)) (store.User, bool) {
	if s.cache == nil {
		return store.User{}, false
	}
	user, ok, err := get(s.cache)
	if err != nil {
		s.logger.Warn("identity: cache lookup failed", zap.Error(err))
		return store.User{}, false
	}
	return user, ok
}

func unreachable(err error) bool {
	var remote *store.RemoteError
	return errors.As(err, &remote) && remote.Retryable()
}
