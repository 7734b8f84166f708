// Package identity maps contacts (phone, email, handle) to customers, with
// exact and fuzzy matching, and creates customers for unknown contacts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"commhub/internal/domain"
)

// SourceMessageIngestion tags customers created by the ingestion pipeline.
const SourceMessageIngestion = "message_ingestion"

type Options struct {
	FuzzyMatching       bool
	ConfidenceThreshold float64
	CreateNewCustomer   bool
	CandidateLimit      int
}

func DefaultOptions() Options {
	return Options{
		FuzzyMatching:       true,
		ConfidenceThreshold: 0.5,
		CreateNewCustomer:   true,
		CandidateLimit:      25,
	}
}

type Config struct {
	Store  domain.Store
	Logger *slog.Logger
	Now    func() time.Time
}

type Resolver struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{store: cfg.Store, logger: cfg.Logger, now: cfg.Now}
}

// ErrEmptyContact is returned for contacts without a usable value.
var ErrEmptyContact = errors.New("contact has no value")

// ResolveIdentity matches contact exactly on (type, value), then fuzzily when
// enabled. With no match it either proposes a new customer or returns a
// neutral result carrying no customer.
func (r *Resolver) ResolveIdentity(ctx context.Context, contact domain.Contact, opts Options) (domain.IdentityResolution, error) {
	value := contactValue(contact)
	if value == "" {
		return domain.IdentityResolution{}, ErrEmptyContact
	}

	ident, err := r.store.FindIdentity(ctx, contact.Type, value)
	if err != nil {
		return domain.IdentityResolution{}, fmt.Errorf("find identity: %w", err)
	}
	if ident != nil {
		return domain.IdentityResolution{
			CustomerID:        ident.CustomerID,
			Confidence:        1.0,
			MatchedIdentities: []string{ident.ID},
		}, nil
	}

	if opts.FuzzyMatching {
		match, score, err := r.fuzzyMatch(ctx, contact, opts)
		if err != nil {
			return domain.IdentityResolution{}, err
		}
		threshold := opts.ConfidenceThreshold
		if threshold <= 0 {
			threshold = DefaultOptions().ConfidenceThreshold
		}
		if match != nil && score >= threshold {
			r.logger.Debug("fuzzy identity match",
				"type", contact.Type, "value", value, "matched", match.Value, "score", score)
			return domain.IdentityResolution{
				CustomerID:        match.CustomerID,
				Confidence:        score,
				MatchedIdentities: []string{match.ID},
			}, nil
		}
	}

	if !opts.CreateNewCustomer {
		return domain.IdentityResolution{}, nil
	}
	return domain.IdentityResolution{
		IsNewCustomer: true,
		Confidence:    0,
		SuggestedName: SuggestName(contact),
	}, nil
}

func (r *Resolver) fuzzyMatch(ctx context.Context, contact domain.Contact, opts Options) (*domain.Identity, float64, error) {
	fragment := candidateFragment(contact)
	if fragment == "" {
		return nil, 0, nil
	}
	limit := opts.CandidateLimit
	if limit <= 0 {
		limit = DefaultOptions().CandidateLimit
	}
	candidates, err := r.store.FindIdentityCandidates(ctx, contact.Type, fragment, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("find identity candidates: %w", err)
	}

	var (
		best  *domain.Identity
		score float64
	)
	for i := range candidates {
		c := &candidates[i]
		s := max(
			matchScore(contact.Type, contact.RawValue, c.Value),
			matchScore(contact.Type, contactValue(contact), c.Value),
			matchScore(contact.Type, contactValue(contact), c.RawValue),
		)
		if s > score {
			best, score = c, s
		}
	}
	return best, score, nil
}

// CreateOrLinkIdentity persists the outcome of ResolveIdentity. A proposed new
// customer is created together with the identity; otherwise the identity is
// linked to res.CustomerID. Linking an identity the customer already owns
// returns the existing identity.
func (r *Resolver) CreateOrLinkIdentity(ctx context.Context, contact domain.Contact, res domain.IdentityResolution) (domain.IdentityResolution, *domain.Identity, error) {
	value := contactValue(contact)
	if value == "" {
		return res, nil, ErrEmptyContact
	}
	now := r.now()
	identity := domain.Identity{
		ID:        uuid.NewString(),
		Type:      contact.Type,
		Value:     value,
		RawValue:  contact.RawValue,
		Provider:  contact.Provider,
		CreatedAt: now,
	}

	switch {
	case res.IsNewCustomer:
		customer := domain.Customer{
			ID:        uuid.NewString(),
			Metadata:  provenance(contact),
			CreatedAt: now,
		}
		if res.SuggestedName != nil {
			customer.Name = *res.SuggestedName
		}
		created, ident, err := r.store.CreateIdentityAndCustomer(ctx, customer, identity)
		if errors.Is(err, domain.ErrConflict) {
			// Another delivery created this identity first; use its customer.
			existing, ferr := r.store.FindIdentity(ctx, contact.Type, value)
			if ferr != nil || existing == nil {
				return res, nil, fmt.Errorf("identity conflict for %s %s: %w", contact.Type, value, err)
			}
			return domain.IdentityResolution{
				CustomerID:        existing.CustomerID,
				Confidence:        1.0,
				MatchedIdentities: []string{existing.ID},
			}, existing, nil
		}
		if err != nil {
			return res, nil, fmt.Errorf("create identity and customer: %w", err)
		}
		r.logger.Info("customer created",
			"customer_id", created.ID, "type", contact.Type, "provider", contact.Provider)
		out := res
		out.CustomerID = created.ID
		out.MatchedIdentities = []string{ident.ID}
		return out, ident, nil

	case res.CustomerID != "":
		ident, err := r.store.LinkIdentity(ctx, res.CustomerID, identity)
		if err != nil {
			return res, nil, fmt.Errorf("link identity to customer %s: %w", res.CustomerID, err)
		}
		out := res
		if !slices.Contains(out.MatchedIdentities, ident.ID) {
			out.MatchedIdentities = append(append([]string(nil), out.MatchedIdentities...), ident.ID)
		}
		return out, ident, nil

	default:
		return res, nil, nil
	}
}

// BothContacts is the result of resolving the two sides of a message.
type BothContacts struct {
	CustomerContact domain.Contact
	Customer        domain.IdentityResolution
	BusinessContact domain.Contact
	Business        domain.IdentityResolution
}

// ResolveBothContacts resolves the customer side with opts and the business
// side by exact match only, never creating a customer for it. Inbound
// messages come from the customer; outbound messages go to the customer.
func (r *Resolver) ResolveBothContacts(ctx context.Context, from, to domain.Contact, direction domain.Direction, opts Options) (BothContacts, error) {
	out := BothContacts{CustomerContact: from, BusinessContact: to}
	if direction == domain.DirectionOutbound {
		out.CustomerContact, out.BusinessContact = to, from
	}

	var err error
	out.Customer, err = r.ResolveIdentity(ctx, out.CustomerContact, opts)
	if err != nil {
		return out, fmt.Errorf("resolve customer contact: %w", err)
	}
	out.Business, err = r.ResolveIdentity(ctx, out.BusinessContact, Options{})
	if err != nil && !errors.Is(err, ErrEmptyContact) {
		return out, fmt.Errorf("resolve business contact: %w", err)
	}
	return out, nil
}

func provenance(c domain.Contact) map[string]string {
	m := map[string]string{
		"source":       SourceMessageIngestion,
		"contact_type": string(c.Type),
	}
	if c.Provider != "" {
		m["provider"] = c.Provider
	}
	return m
}

func contactValue(c domain.Contact) string {
	v := c.NormalizedValue
	if v == "" {
		v = c.RawValue
	}
	return strings.ToLower(strings.TrimSpace(v))
}
