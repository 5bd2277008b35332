package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/persistence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// ActorInput describes an actor to provision.
type ActorInput struct {
	ID          string `json:"id" validate:"required,max=64,printascii,excludesall=/"`
	DisplayName string `json:"displayName" validate:"required,max=120"`
	Role        string `json:"role" validate:"required,oneof=admin trainer client"`
}

// ActorView is an actor as exposed to clients. The key hash never leaves the service.
type ActorView struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName"`
	Role        scheduler.Role `json:"role"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ActorCredentials is returned once when an actor is created or its key rotated.
type ActorCredentials struct {
	Actor     ActorView `json:"actor"`
	AccessKey string    `json:"accessKey"`
}

// ActorServiceOptions tunes an ActorService.
type ActorServiceOptions struct {
	Now          func() time.Time
	HashParams   Argon2idParams
	KeyCacheTTL  time.Duration
	KeyCacheSize int
	Logger       *slog.Logger
}

// ActorService owns the durable actor directory. It is also the coordinator's actor registry.
type ActorService struct {
	actors persistence.ActorRepository
	now    func() time.Time
	params Argon2idParams
	cache  *keyCache
	logger *slog.Logger
}

var _ collaboration.ActorRegistry = (*ActorService)(nil)

// NewActorService wires the actor directory.
func NewActorService(actors persistence.ActorRepository, opts ActorServiceOptions) *ActorService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HashParams == (Argon2idParams{}) {
		opts.HashParams = DefaultArgon2idParams
	}
	return &ActorService{
		actors: actors,
		now:    opts.Now,
		params: opts.HashParams,
		cache:  newKeyCache(opts.KeyCacheTTL, opts.KeyCacheSize, opts.Now),
		logger: defaultLogger(opts.Logger),
	}
}

func (s *ActorService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "actor", operation, attrs...)
}

// CreateActor provisions an actor and returns its access key. Only admins may provision.
func (s *ActorService) CreateActor(ctx context.Context, principal scheduler.Actor, input ActorInput) (creds ActorCredentials, err error) {
	logger := s.loggerWith(ctx, "create", "actor_id", input.ID)
	defer func() { logOutcome(ctx, logger, err, "actor create") }()

	if principal.Role != scheduler.RoleAdmin {
		return ActorCredentials{}, ErrUnauthorized
	}
	input.ID = strings.TrimSpace(input.ID)
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Role = strings.ToLower(strings.TrimSpace(input.Role))
	if vErr := validateStruct(input); vErr != nil {
		return ActorCredentials{}, vErr
	}

	secret, err := newSecret()
	if err != nil {
		return ActorCredentials{}, fmt.Errorf("generate access key: %w", err)
	}
	hash, err := HashSecret(secret, s.params)
	if err != nil {
		return ActorCredentials{}, fmt.Errorf("hash access key: %w", err)
	}

	now := s.now().UTC()
	row := persistence.Actor{
		ID:          input.ID,
		DisplayName: input.DisplayName,
		Role:        input.Role,
		KeyHash:     hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.actors.CreateActor(ctx, row); err != nil {
		return ActorCredentials{}, mapActorRepoError(err)
	}
	return ActorCredentials{Actor: actorView(row), AccessKey: formatAccessKey(row.ID, secret)}, nil
}

// RotateKey issues a new access key. Admins may rotate anyone's key, others only their own.
func (s *ActorService) RotateKey(ctx context.Context, principal scheduler.Actor, actorID string) (creds ActorCredentials, err error) {
	logger := s.loggerWith(ctx, "rotate_key", "actor_id", actorID)
	defer func() { logOutcome(ctx, logger, err, "actor key rotation") }()

	if principal.Role != scheduler.RoleAdmin && principal.ID != actorID {
		return ActorCredentials{}, ErrUnauthorized
	}
	row, err := s.actors.GetActor(ctx, actorID)
	if err != nil {
		return ActorCredentials{}, mapActorRepoError(err)
	}
	secret, err := newSecret()
	if err != nil {
		return ActorCredentials{}, fmt.Errorf("generate access key: %w", err)
	}
	if row.KeyHash, err = HashSecret(secret, s.params); err != nil {
		return ActorCredentials{}, fmt.Errorf("hash access key: %w", err)
	}
	row.UpdatedAt = s.now().UTC()
	if err := s.actors.UpdateActor(ctx, row); err != nil {
		return ActorCredentials{}, mapActorRepoError(err)
	}
	s.cache.Forget(actorID)
	return ActorCredentials{Actor: actorView(row), AccessKey: formatAccessKey(row.ID, secret)}, nil
}

// Authenticate verifies an "actorID.secret" access key.
func (s *ActorService) Authenticate(ctx context.Context, accessKey string) (collaboration.Identity, error) {
	if identity, ok := s.cache.Get(accessKey); ok {
		return identity, nil
	}
	actorID, secret, ok := splitAccessKey(strings.TrimSpace(accessKey))
	if !ok {
		return collaboration.Identity{}, ErrInvalidCredentials
	}
	row, err := s.actors.GetActor(ctx, actorID)
	if errors.Is(err, persistence.ErrNotFound) {
		return collaboration.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return collaboration.Identity{}, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
	}
	if err := VerifySecret(row.KeyHash, secret); err != nil {
		s.loggerWith(ctx, "authenticate", "actor_id", actorID).WarnContext(ctx, "access key rejected")
		return collaboration.Identity{}, ErrInvalidCredentials
	}
	identity, err := identityFromRow(row)
	if err != nil {
		return collaboration.Identity{}, err
	}
	s.cache.Store(accessKey, identity)
	return identity, nil
}

// Lookup implements collaboration.ActorRegistry.
func (s *ActorService) Lookup(ctx context.Context, actorID string) (collaboration.Identity, error) {
	row, err := s.actors.GetActor(ctx, actorID)
	if errors.Is(err, persistence.ErrNotFound) {
		return collaboration.Identity{}, fmt.Errorf("%w: %s", collaboration.ErrUnknownActor, actorID)
	}
	if err != nil {
		return collaboration.Identity{}, fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
	}
	return identityFromRow(row)
}

// ListActors returns the directory. Any authenticated actor may list it.
func (s *ActorService) ListActors(ctx context.Context) ([]ActorView, error) {
	rows, err := s.actors.ListActors(ctx)
	if err != nil {
		return nil, mapActorRepoError(err)
	}
	out := make([]ActorView, 0, len(rows))
	for _, row := range rows {
		out = append(out, actorView(row))
	}
	return out, nil
}

// DeleteActor removes an actor. Only admins may delete, and not themselves.
func (s *ActorService) DeleteActor(ctx context.Context, principal scheduler.Actor, actorID string) (err error) {
	logger := s.loggerWith(ctx, "delete", "actor_id", actorID)
	defer func() { logOutcome(ctx, logger, err, "actor delete") }()

	if principal.Role != scheduler.RoleAdmin {
		return ErrUnauthorized
	}
	if principal.ID == actorID {
		vErr := &ValidationError{}
		vErr.add("id", "admins cannot delete themselves")
		return vErr
	}
	if err := s.actors.DeleteActor(ctx, actorID); err != nil {
		return mapActorRepoError(err)
	}
	s.cache.Forget(actorID)
	return nil
}

func identityFromRow(row persistence.Actor) (collaboration.Identity, error) {
	role, err := scheduler.ParseRole(row.Role)
	if err != nil {
		return collaboration.Identity{}, err
	}
	return collaboration.Identity{ID: row.ID, DisplayName: row.DisplayName, Role: role}, nil
}

func actorView(row persistence.Actor) ActorView {
	return ActorView{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		Role:        scheduler.Role(row.Role),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

func mapActorRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrConstraintViolation):
		vErr := &ValidationError{}
		vErr.add("actor", err.Error())
		return vErr
	}
	return fmt.Errorf("%w: %w", scheduler.ErrUnavailable, err)
}
