package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateLogin     = errors.New("login already taken")
	ErrNotFound           = errors.New("user not found")
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Authenticate checks the stored credential for login. Unknown logins and
// password mismatches are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, login, password string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	login = normalizeLogin(login)
	if login == "" || password == "" {
		return User{}, ErrInvalidInput
	}

	u, err := s.repo.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Register creates a new identity. The login must be unique
// (case-insensitive) and the profile needs at least a display name.
func (s *Service) Register(ctx context.Context, login, password, name, surname string) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	login = normalizeLogin(login)
	name = strings.TrimSpace(name)
	if login == "" || password == "" || name == "" {
		return User{}, ErrInvalidInput
	}

	if _, err := s.repo.GetByLogin(ctx, login); err == nil {
		return User{}, ErrDuplicateLogin
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	u := User{
		Login:          login,
		PasswordHash:   string(hash),
		Name:           name,
		Surname:        strings.TrimSpace(surname),
		CreatedAt:      s.now().UTC(),
		LastActivityAt: s.now().UTC(),
	}
	return s.repo.Create(ctx, u)
}

func (s *Service) GetByID(ctx context.Context, id ID) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	if id == 0 {
		return User{}, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	return s.repo.List(ctx)
}

// ProfileUpdate carries the fields of an UPDATE_PROFILE command. Nil means
// leave the field unchanged.
type ProfileUpdate struct {
	Name      *string
	Surname   *string
	AvatarURL *string
	Status    *string
}

func (s *Service) UpdateProfile(ctx context.Context, id ID, upd ProfileUpdate) (User, error) {
	if s.repo == nil {
		return User{}, errors.New("repository is required")
	}
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return User{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return User{}, ErrInvalidInput
		}
		u.Name = name
	}
	if upd.Surname != nil {
		u.Surname = strings.TrimSpace(*upd.Surname)
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = strings.TrimSpace(*upd.AvatarURL)
	}
	if upd.Status != nil {
		u.Status = strings.TrimSpace(*upd.Status)
	}
	u.LastActivityAt = s.now().UTC()

	if err := s.repo.Update(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Touch records activity for id, used at disconnect to persist last-seen.
func (s *Service) Touch(ctx context.Context, id ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	return s.repo.SetLastActivity(ctx, id, s.now().UTC())
}

func normalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
