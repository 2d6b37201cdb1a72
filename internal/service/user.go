package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"beerbot/internal/model"
)

const uniqueViolation = "23505"

var (
	ErrEmailConflict = errors.New("email already registered to another user")
	ErrInvalidUser   = errors.New("identity, display name and a valid email are required")
)

// RegisteredFunc is called after a user was registered or updated.
type RegisteredFunc func(user model.RegisteredUser)

type UserService struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners []RegisteredFunc
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db}
}

// OnRegistered subscribes fn to successful registrations.
func (s *UserService) OnRegistered(fn RegisteredFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *UserService) IsEmailRegistered(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM registered_users WHERE email = $1)`,
		normalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return exists, nil
}

func (s *UserService) FindByIdentity(ctx context.Context, identity string) (*model.RegisteredUser, error) {
	return s.findOne(ctx, `WHERE identity = $1`, identity)
}

func (s *UserService) FindByEmail(ctx context.Context, email string) (*model.RegisteredUser, error) {
	return s.findOne(ctx, `WHERE email = $1`, normalizeEmail(email))
}

func (s *UserService) List(ctx context.Context) ([]model.RegisteredUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity, display_name, email, alias, created_at, updated_at
		FROM registered_users
		ORDER BY display_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.RegisteredUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return users, nil
}

// Register inserts the user or updates the row owned by the same identity.
// It fails with ErrEmailConflict if another identity already owns the email.
func (s *UserService) Register(ctx context.Context, user model.RegisteredUser) (*model.RegisteredUser, error) {
	user.Email = normalizeEmail(user.Email)
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.Alias != nil {
		alias := strings.TrimSpace(*user.Alias)
		if alias == "" {
			user.Alias = nil
		} else {
			user.Alias = &alias
		}
	}
	if user.Identity == "" || user.DisplayName == "" || !validEmail(user.Email) {
		return nil, ErrInvalidUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT identity FROM registered_users WHERE email = $1 FOR UPDATE`, user.Email,
	).Scan(&owner)
	switch {
	case err == nil && owner != user.Identity:
		return nil, ErrEmailConflict
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check email owner: %w", err)
	}

	now := time.Now()
	row := tx.QueryRowContext(ctx, `
		INSERT INTO registered_users (identity, display_name, email, alias, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (identity) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email = EXCLUDED.email,
		    alias = EXCLUDED.alias,
		    updated_at = EXCLUDED.updated_at
		RETURNING identity, display_name, email, alias, created_at, updated_at
	`, user.Identity, user.DisplayName, user.Email, user.Alias, now)

	saved, err := scanUser(row)
	if err != nil {
		// Two identities racing for one email: the unique constraint decides.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrEmailConflict
		}
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.publish(*saved)
	return saved, nil
}

func (s *UserService) publish(user model.RegisteredUser) {
	s.mu.RLock()
	listeners := append([]RegisteredFunc(nil), s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(user)
	}
}

func (s *UserService) findOne(ctx context.Context, where string, arg any) (*model.RegisteredUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, display_name, email, alias, created_at, updated_at
		FROM registered_users `+where, arg)

	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUser(row rowScanner) (*model.RegisteredUser, error) {
	var (
		u     model.RegisteredUser
		alias sql.NullString
	)
	if err := row.Scan(&u.Identity, &u.DisplayName, &u.Email, &alias, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if alias.Valid {
		u.Alias = &alias.String
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
