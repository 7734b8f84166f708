package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

const identityColumns = `id, customer_id, type, value, raw_value, provider, created_at`

func normalizeIdentityValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func (s *SQLStore) FindIdentity(ctx context.Context, idType domain.ContactType, value string) (*domain.Identity, error) {
	row := s.queryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE type = ? AND value = ?`,
		string(idType), normalizeIdentityValue(value))
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return &ident, nil
}

func (s *SQLStore) FindIdentityCandidates(ctx context.Context, idType domain.ContactType, fragment string, limit int) ([]domain.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE type = ?`
	args := []any{string(idType)}
	if fragment = strings.ToLower(fragment); fragment != "" {
		pattern := "%" + escapeLike(fragment) + "%"
		query += ` AND (LOWER(value) LIKE ? ESCAPE '\' OR LOWER(raw_value) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY created_at"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query identity candidates: %w", err)
	}
	defer rows.Close()
	var out []domain.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateIdentityAndCustomer(ctx context.Context, customer domain.Customer, identity domain.Identity) (*domain.Customer, *domain.Identity, error) {
	now := time.Now()
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = now
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.CustomerID = customer.ID
	identity.Value = normalizeIdentityValue(identity.Value)

	meta, err := encodeJSON(nonNilMeta(customer.Metadata))
	if err != nil {
		return nil, nil, fmt.Errorf("encode customer metadata: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO customers (id, name, metadata, created_at) VALUES (?, ?, ?, ?)`),
			customer.ID, customer.Name, meta, toNanos(customer.CreatedAt)); err != nil {
			return fmt.Errorf("insert customer: %w", err)
		}
		return insertIdentity(ctx, tx, s.dialect, identity)
	})
	if isUniqueViolation(err) {
		return nil, nil, domain.ErrConflict
	}
	if err != nil {
		return nil, nil, err
	}
	return &customer, &identity, nil
}

func (s *SQLStore) LinkIdentity(ctx context.Context, customerID string, identity domain.Identity) (*domain.Identity, error) {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	identity.CustomerID = customerID
	identity.Value = normalizeIdentityValue(identity.Value)

	var result *domain.Identity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM customers WHERE id = ?`), customerID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup customer: %w", err)
		}

		existing, err := scanIdentity(tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT `+identityColumns+` FROM identities WHERE type = ? AND value = ?`),
			string(identity.Type), identity.Value))
		switch {
		case err == nil && existing.CustomerID == customerID:
			result = &existing
			return nil
		case err == nil:
			return domain.ErrConflict
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup identity: %w", err)
		}

		if err := insertIdentity(ctx, tx, s.dialect, identity); err != nil {
			return err
		}
		result = &identity
		return nil
	})
	if isUniqueViolation(err) {
		// Lost an insert race; the winner decides.
		existing, ferr := s.FindIdentity(ctx, identity.Type, identity.Value)
		if ferr == nil && existing != nil && existing.CustomerID == customerID {
			return existing, nil
		}
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertIdentity(ctx context.Context, tx *sql.Tx, d dialect, ident domain.Identity) error {
	_, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO identities (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ident.ID, ident.CustomerID, string(ident.Type), ident.Value, ident.RawValue, ident.Provider, toNanos(ident.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// Customer loads one customer.
func (s *SQLStore) Customer(ctx context.Context, id string) (*domain.Customer, error) {
	var (
		c       domain.Customer
		meta    string
		created int64
	)
	err := s.queryRow(ctx, `SELECT id, name, metadata, created_at FROM customers WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	if err := decodeJSON(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode customer metadata: %w", err)
	}
	return &c, nil
}

func scanIdentity(sc scanner) (domain.Identity, error) {
	var (
		ident   domain.Identity
		idType  string
		created int64
	)
	err := sc.Scan(&ident.ID, &ident.CustomerID, &idType, &ident.Value, &ident.RawValue, &ident.Provider, &created)
	ident.Type = domain.ContactType(idType)
	ident.CreatedAt = fromNanos(created)
	return ident, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
