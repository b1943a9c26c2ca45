package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/auth"
	"github.com/Marcoby-Dev-Ops/Nexus-sub015/pkg/store"
)

type identityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Identity is the caller's durable local record, keyed by the identity
// provider's subject id.
type Identity struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}

// Provisioner associates a company with a freshly seen identity. It is an
// external collaborator; failures leave the identity without a company
// rather than failing the request.
type Provisioner interface {
	AssignCompany(ctx context.Context, ident Identity) (string, error)
}

type Store struct {
	DB          identityDB
	Cache       store.Cache
	CacheTTL    time.Duration
	Provisioner Provisioner
	// NewID overrides id generation in tests.
	NewID func() string
}

func NewStore(db identityDB, cache store.Cache, provisioner Provisioner) *Store {
	return &Store{
		DB:          db,
		Cache:       cache,
		CacheTTL:    time.Minute,
		Provisioner: provisioner,
		NewID:       uuid.NewString,
	}
}

// Resolve implements auth.Resolver: get-or-create by subject, idempotent
// under concurrent first requests from the same new user, company back-fill
// on first sight.
func (s *Store) Resolve(ctx context.Context, claims auth.Claims) (auth.Principal, error) {
	if ident, ok := s.cached(ctx, claims.Subject); ok {
		return principalOf(ident), nil
	}
	ident, err := s.getOrCreate(ctx, claims)
	if err != nil {
		return auth.Principal{}, err
	}
	if ident.CompanyID == "" && s.Provisioner != nil {
		companyID, err := s.Provisioner.AssignCompany(ctx, ident)
		if err != nil {
			log.Printf("identity: company provisioning deferred for %s: %v", ident.ID, err)
		} else if companyID != "" {
			if _, err := s.DB.Exec(ctx,
				`UPDATE local_identities SET company_id = $1 WHERE id = $2 AND company_id IS NULL`,
				companyID, ident.ID,
			); err != nil {
				log.Printf("identity: company back-fill failed for %s: %v", ident.ID, err)
			} else {
				ident.CompanyID = companyID
			}
		}
	}
	s.cache(ctx, ident)
	return principalOf(ident), nil
}

func (s *Store) getOrCreate(ctx context.Context, claims auth.Claims) (Identity, error) {
	newID := uuid.NewString()
	if s.NewID != nil {
		newID = s.NewID()
	}
	// The insert is a no-op when a concurrent first request won the race;
	// the reselect below observes the winner's row either way.
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO local_identities (id, subject, email, display_name, role, created_at)
		VALUES ($1, $2, $3, $4, 'member', now())
		ON CONFLICT (subject) DO NOTHING
	`, newID, claims.Subject, claims.Email, claims.Name); err != nil {
		return Identity{}, fmt.Errorf("identity insert: %w", err)
	}
	var ident Identity
	var companyID *string
	row := s.DB.QueryRow(ctx, `
		SELECT id, subject, email, display_name, role, company_id
		FROM local_identities WHERE subject = $1
	`, claims.Subject)
	if err := row.Scan(&ident.ID, &ident.Subject, &ident.Email, &ident.Name, &ident.Role, &companyID); err != nil {
		return Identity{}, fmt.Errorf("identity select: %w", err)
	}
	if companyID != nil {
		ident.CompanyID = *companyID
	}
	return ident, nil
}

func (s *Store) cached(ctx context.Context, subject string) (Identity, bool) {
	if s.Cache == nil || subject == "" {
		return Identity{}, false
	}
	raw, err := s.Cache.Get(ctx, cacheKey(subject))
	if err != nil {
		return Identity{}, false
	}
	var ident Identity
	if err := json.Unmarshal([]byte(raw), &ident); err != nil || ident.ID == "" {
		return Identity{}, false
	}
	return ident, true
}

func (s *Store) cache(ctx context.Context, ident Identity) {
	if s.Cache == nil || ident.Subject == "" {
		return
	}
	ttl := s.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	raw, err := json.Marshal(ident)
	if err != nil {
		return
	}
	_ = s.Cache.Set(ctx, cacheKey(ident.Subject), string(raw), ttl)
}

func cacheKey(subject string) string {
	return "ident:" + subject
}

func principalOf(ident Identity) auth.Principal {
	return auth.Principal{
		UserID:    ident.ID,
		Subject:   ident.Subject,
		Email:     ident.Email,
		Role:      ident.Role,
		CompanyID: ident.CompanyID,
	}
}
