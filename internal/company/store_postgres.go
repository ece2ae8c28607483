package company

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/model"
)

// DefaultCandidateLimit caps the businesses loaded per postal code for
// fuzzy name matching.
const DefaultCandidateLimit = 500

// PostgresStore implements Catalog using pgx.
type PostgresStore struct {
	pool db.Beginner
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Beginner) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// businessColumns is the standard column list for business queries.
const businessColumns = `b.id::text, b.name, COALESCE(b.address, ''), COALESCE(b.street, ''),
	COALESCE(b.postal_code, ''), COALESCE(b.locality_id::text, ''),
	COALESCE(b.phone, ''), COALESCE(b.phone_key, ''),
	COALESCE(b.website, ''), COALESCE(b.domain_key, ''),
	COALESCE(b.email, ''), COALESCE(b.category, ''),
	b.lat, b.lng, b.metadata, b.created_at, b.updated_at`

func businessDests(b *Business) []any {
	return []any{
		&b.ID, &b.Name, &b.Address, &b.Street,
		&b.PostalCode, &b.LocalityID,
		&b.Phone, &b.PhoneKey,
		&b.Website, &b.DomainKey,
		&b.Email, &b.Category,
		&b.Lat, &b.Lng, &b.Metadata, &b.CreatedAt, &b.UpdatedAt,
	}
}

// FindByPhoneKey returns the oldest live business with the given phone key.
func (s *PostgresStore) FindByPhoneKey(ctx context.Context, key string) (*Business, error) {
	if key == "" {
		return nil, nil
	}
	return s.findOne(ctx, `
		SELECT `+businessColumns+`
		FROM businesses b
		WHERE b.phone_key = $1 AND b.deleted_at IS NULL
		ORDER BY b.created_at
		LIMIT 1`, key, "phone key")
}

// FindByDomainKey returns the oldest live business with the given domain key.
func (s *PostgresStore) FindByDomainKey(ctx context.Context, key string) (*Business, error) {
	if key == "" {
		return nil, nil
	}
	return s.findOne(ctx, `
		SELECT `+businessColumns+`
		FROM businesses b
		WHERE b.domain_key = $1 AND b.deleted_at IS NULL
		ORDER BY b.created_at
		LIMIT 1`, key, "domain key")
}

func (s *PostgresStore) findOne(ctx context.Context, sql, key, what string) (*Business, error) {
	b := &Business{}
	if err := s.pool.QueryRow(ctx, sql, key).Scan(businessDests(b)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "company: find by %s %s", what, key)
	}
	return b, nil
}

// ListByPostalCode returns live businesses located in any locality that
// carries the postal code, oldest first.
func (s *PostgresStore) ListByPostalCode(ctx context.Context, postalCode string, limit int) ([]Business, error) {
	if postalCode == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+businessColumns+`
		FROM businesses b
		JOIN geo_localities l ON l.id = b.locality_id
		WHERE l.postal_code = $1 AND b.deleted_at IS NULL
		ORDER BY b.created_at
		LIMIT $2`, postalCode, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "company: list by postal code %s", postalCode)
	}
	defer rows.Close()

	var out []Business
	for rows.Next() {
		var b Business
		if err := rows.Scan(businessDests(&b)...); err != nil {
			return nil, eris.Wrap(err, "company: scan business")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBusiness inserts a business, deriving its match keys, and sets its
// ID and timestamps.
func (s *PostgresStore) CreateBusiness(ctx context.Context, b *Business) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.PhoneKey = PhoneKey(b.Phone)
	b.DomainKey = DomainKey(b.Website)
	metadata := b.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO businesses (
			id, name, address, street, postal_code, locality_id,
			phone, phone_key, website, domain_key, email, category,
			lat, lng, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15
		) RETURNING created_at, updated_at`,
		b.ID, b.Name, nilIfEmpty(b.Address), nilIfEmpty(b.Street), nilIfEmpty(b.PostalCode), nilIfEmpty(b.LocalityID),
		nilIfEmpty(b.Phone), keyArg(b.Phone, b.PhoneKey), nilIfEmpty(b.Website), keyArg(b.Website, b.DomainKey), nilIfEmpty(b.Email), nilIfEmpty(b.Category),
		b.Lat, b.Lng, metadata,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "company: create business")
	}
	b.Metadata = metadata
	return nil
}

// AddExternalID records a provider-native id for a business.
func (s *PostgresStore) AddExternalID(ctx context.Context, id ExternalID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO business_external_ids (id, business_id, id_type, value, provider)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (business_id, id_type, value) DO NOTHING`,
		uuid.NewString(), id.BusinessID, id.IDType, id.Value, id.Provider,
	)
	if err != nil {
		return eris.Wrapf(err, "company: add external id %s:%s", id.IDType, id.Value)
	}
	return nil
}

// UpsertSource stores or replaces the raw payload for (business, source, source id).
func (s *PostgresStore) UpsertSource(ctx context.Context, src Source) error {
	if len(src.RawData) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO business_sources (id, business_id, source, source_id, raw_data, fetched_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (business_id, source, source_id) DO UPDATE SET
			raw_data = EXCLUDED.raw_data,
			updated_at = now()`,
		uuid.NewString(), src.BusinessID, src.Source, src.SourceID, src.RawData,
	)
	if err != nil {
		return eris.Wrap(err, "company: upsert source")
	}
	return nil
}

// Enrich merges provider metadata into a business and fills an empty street
// or email. Reports whether street or email changed.
func (s *PostgresStore) Enrich(ctx context.Context, businessID string, e Enrichment) (bool, error) {
	var metadata any
	if len(e.Metadata) > 0 && e.MetadataKey != "" {
		metadata = e.Metadata
	}

	var filled bool
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, street, email FROM businesses
			WHERE id = $1 AND deleted_at IS NULL
			FOR UPDATE
		)
		UPDATE businesses b SET
			metadata = CASE WHEN $3::jsonb IS NULL THEN b.metadata
				ELSE b.metadata || jsonb_build_object($2::text, $3::jsonb) END,
			street = COALESCE(NULLIF(b.street, ''), $4),
			email = COALESCE(NULLIF(b.email, ''), $5),
			updated_at = now()
		FROM prev
		WHERE b.id = prev.id
		RETURNING (COALESCE(prev.street, '') IS DISTINCT FROM COALESCE(b.street, '')
			OR COALESCE(prev.email, '') IS DISTINCT FROM COALESCE(b.email, ''))`,
		businessID, e.MetadataKey, metadata, nilIfEmpty(e.Street), nilIfEmpty(e.Email),
	).Scan(&filled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrapf(err, "company: enrich %s", businessID)
	}
	return filled, nil
}

// CountInScope counts live businesses whose locality lies inside the scope.
func (s *PostgresStore) CountInScope(ctx context.Context, scope model.Scope) (int, error) {
	var (
		sql string
		arg string
	)
	switch scope.Kind() {
	case model.ScopeLocality:
		sql = `SELECT count(*) FROM businesses b
			WHERE b.locality_id = $1 AND b.deleted_at IS NULL`
		arg = scope.LocalityID
	case model.ScopeDistrict:
		sql = `SELECT count(*) FROM businesses b
			JOIN geo_localities l ON l.id = b.locality_id
			WHERE l.district_id = $1 AND b.deleted_at IS NULL`
		arg = scope.DistrictID
	case model.ScopePostalCode:
		sql = `SELECT count(*) FROM businesses b
			JOIN geo_localities l ON l.id = b.locality_id
			WHERE l.postal_code = $1 AND b.deleted_at IS NULL`
		arg = scope.PostalCode
	default:
		return 0, nil
	}

	var n int
	if err := s.pool.QueryRow(ctx, sql, arg).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "company: count in %s scope", scope.Kind())
	}
	return n, nil
}

// CategoryName returns the German display name of an external category,
// falling back to its default name. Unknown ids yield "".
func (s *PostgresStore) CategoryName(ctx context.Context, categoryID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(name_de, ''), name)
		FROM external_categories WHERE gcid = $1`, categoryID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "company: category name %s", categoryID)
	}
	return name, nil
}

// BackfillKeys derives phone_key and domain_key for up to batchSize live
// businesses that have a phone or website but no key yet. Returns the number
// of rows updated; callers loop until it returns 0.
func (s *PostgresStore) BackfillKeys(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	type pending struct {
		id, phone, website string
	}

	var updated int
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id::text, COALESCE(phone, ''), COALESCE(website, '')
			FROM businesses
			WHERE deleted_at IS NULL
				AND ((phone IS NOT NULL AND phone_key IS NULL)
					OR (website IS NOT NULL AND domain_key IS NULL))
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, batchSize)
		if err != nil {
			return eris.Wrap(err, "company: select backfill batch")
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.phone, &p.website); err != nil {
				rows.Close()
				return eris.Wrap(err, "company: scan backfill row")
			}
			batch = append(batch, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "company: iterate backfill rows")
		}

		for _, p := range batch {
			// Unparseable values get '' so the row is not selected again.
			if _, err := tx.Exec(ctx, `
				UPDATE businesses SET phone_key = $2, domain_key = $3, updated_at = now()
				WHERE id = $1`,
				p.id, keyArg(p.phone, PhoneKey(p.phone)), keyArg(p.website, DomainKey(p.website)),
			); err != nil {
				return eris.Wrapf(err, "company: backfill keys %s", p.id)
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	zap.L().Debug("company: backfilled match keys", zap.Int("rows", updated))
	return updated, nil
}

// keyArg stores NULL when there is no source value and the derived key,
// possibly "", when there is one.
func keyArg(source, key string) any {
	if source == "" {
		return nil
	}
	return key
}

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
