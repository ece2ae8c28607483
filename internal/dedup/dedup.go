// Package dedup classifies the raw results of an order as duplicates of
// existing catalog businesses or as new businesses.
package dedup

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/company"
	"github.com/sells-group/recherche-engine/internal/db"
	"github.com/sells-group/recherche-engine/internal/order"
)

// Field limits applied to values copied into the catalog.
const (
	maxNameLen    = 255
	maxAddressLen = 500
	maxFieldLen   = 255
	maxPhoneLen   = 50
)

// Match rules, in evaluation order.
const (
	RulePhone      = "phone"
	RuleDomain     = "domain"
	RuleNamePostal = "name_postal_code"
)

// Results is the raw result side of the order store.
type Results interface {
	ListUnprocessed(ctx context.Context, orderID string) ([]order.RawResult, error)
	MarkDuplicate(ctx context.Context, rawID, businessID string) error
	MarkLinked(ctx context.Context, rawID, businessID string) error
}

// Localities resolves the locality a postal code belongs to.
type Localities interface {
	LocalityByPostalCode(ctx context.Context, postalCode string) (string, error)
}

// Config tunes matching.
type Config struct {
	NameSimilarity float64 `yaml:"name_similarity" mapstructure:"name_similarity"`
	MinPhoneDigits int     `yaml:"min_phone_digits" mapstructure:"min_phone_digits"`
	CandidateLimit int     `yaml:"candidate_limit" mapstructure:"candidate_limit"`
}

// Stats summarizes one deduplication run. Skipped rows failed and remain
// unprocessed.
type Stats struct {
	Duplicates int `json:"duplicates"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
}

// RowTx runs the work of one raw result. When it returns an error every
// write fn made must be undone.
type RowTx func(ctx context.Context, fn func(ctx context.Context) error) error

func direct(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Savepoints returns a RowTx that runs each row in a savepoint of tx, so a
// failed row is rolled back without aborting tx. The engine's stores must
// be bound to the same tx.
func Savepoints(tx db.Beginner) RowTx {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.InTx(ctx, tx, func(pgx.Tx) error { return fn(ctx) })
	}
}

// Engine matches raw results against the catalog.
type Engine struct {
	results    Results
	catalog    company.Catalog
	localities Localities
	cfg        Config
	rowTx      RowTx
	now        func() time.Time
	log        *zap.Logger
}

// New creates an Engine. Zero config values fall back to defaults.
func New(results Results, catalog company.Catalog, localities Localities, cfg Config) *Engine {
	if cfg.NameSimilarity <= 0 {
		cfg.NameSimilarity = DefaultNameSimilarity
	}
	if cfg.MinPhoneDigits <= 0 {
		cfg.MinPhoneDigits = company.MinPhoneKeyLen
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = company.DefaultCandidateLimit
	}
	return &Engine{
		results:    results,
		catalog:    catalog,
		localities: localities,
		cfg:        cfg,
		rowTx:      direct,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "dedup.engine")),
	}
}

// WithRowTx returns a copy of e that processes every row through rt.
func (e *Engine) WithRowTx(rt RowTx) *Engine {
	cp := *e
	cp.rowTx = rt
	return &cp
}

// Deduplicate processes every unprocessed raw result of an order. Each row is
// matched against the catalog as it stands when the row is evaluated. A row
// that fails is logged, left unprocessed and counted as skipped.
func (e *Engine) Deduplicate(ctx context.Context, orderID string) (Stats, error) {
	rows, err := e.results.ListUnprocessed(ctx, orderID)
	if err != nil {
		return Stats{}, eris.Wrapf(err, "dedup: load raw results for %s", orderID)
	}

	var stats Stats
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r := &rows[i]
		var row Stats
		err := e.rowTx(ctx, func(ctx context.Context) error {
			row = Stats{}
			return e.process(ctx, r, &row)
		})
		if err != nil {
			stats.Skipped++
			e.log.Warn("raw result left unprocessed",
				zap.String("order_id", orderID),
				zap.String("raw_result_id", r.ID),
				zap.String("name", r.Name),
				zap.Error(err),
			)
			continue
		}
		stats.Duplicates += row.Duplicates
		stats.Created += row.Created
		stats.Updated += row.Updated
	}

	e.log.Info("dedup completed",
		zap.String("order_id", orderID),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (e *Engine) process(ctx context.Context, r *order.RawResult, stats *Stats) error {
	match, rule, err := e.findMatch(ctx, r)
	if err != nil {
		return err
	}
	if match != nil {
		updated, err := e.mergeDuplicate(ctx, match, r)
		if err != nil {
			return err
		}
		if err := e.results.MarkDuplicate(ctx, r.ID, match.ID); err != nil {
			return err
		}
		stats.Duplicates++
		if updated {
			stats.Updated++
		}
		e.log.Debug("raw result is a duplicate",
			zap.String("raw_result_id", r.ID),
			zap.String("business_id", match.ID),
			zap.String("rule", rule),
		)
		return nil
	}

	b, err := e.createBusiness(ctx, r)
	if err != nil {
		return err
	}
	if err := e.results.MarkLinked(ctx, r.ID, b.ID); err != nil {
		return err
	}
	stats.Created++
	e.log.Debug("raw result created a business",
		zap.String("raw_result_id", r.ID),
		zap.String("business_id", b.ID),
	)
	return nil
}

// findMatch applies the match rules in order and returns the first hit along
// with the rule that produced it.
func (e *Engine) findMatch(ctx context.Context, r *order.RawResult) (*company.Business, string, error) {
	if key := company.PhoneKey(r.Phone); len(key) >= e.cfg.MinPhoneDigits {
		b, err := e.catalog.FindByPhoneKey(ctx, key)
		if err != nil {
			return nil, "", eris.Wrap(err, "dedup: match phone")
		}
		if b != nil {
			return b, RulePhone, nil
		}
	}

	if key := company.DomainKey(r.Website); key != "" {
		b, err := e.catalog.FindByDomainKey(ctx, key)
		if err != nil {
			return nil, "", eris.Wrap(err, "dedup: match domain")
		}
		if b != nil {
			return b, RuleDomain, nil
		}
	}

	if r.Name != "" && r.PostalCode != "" {
		b, err := e.matchName(ctx, r.Name, r.PostalCode)
		if err != nil {
			return nil, "", err
		}
		if b != nil {
			return b, RuleNamePostal, nil
		}
	}
	return nil, "", nil
}

// matchName returns the most similar business in the postal code whose
// similarity reaches the threshold. Ties go to the oldest business.
func (e *Engine) matchName(ctx context.Context, name, postalCode string) (*company.Business, error) {
	candidates, err := e.catalog.ListByPostalCode(ctx, postalCode, e.cfg.CandidateLimit)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: match name")
	}

	want := NormalizeName(name)
	var (
		best      *company.Business
		bestScore float64
	)
	for i := range candidates {
		score := NameSimilarity(want, NormalizeName(candidates[i].Name))
		if score >= e.cfg.NameSimilarity && score > bestScore {
			best, bestScore = &candidates[i], score
		}
	}
	return best, nil
}

// mergeDuplicate refreshes a matched business with the raw result's provider
// data. It reports whether the business changed.
func (e *Engine) mergeDuplicate(ctx context.Context, b *company.Business, r *order.RawResult) (bool, error) {
	meta, err := ExtractMetadata(r.Source, r.Payload, e.now())
	if err != nil {
		e.log.Warn("metadata not extracted", zap.String("raw_result_id", r.ID), zap.Error(err))
	}
	street, email := ContactFields(r.Source, r.Payload)
	if email == "" {
		email = r.Email
	}

	filled, err := e.catalog.Enrich(ctx, b.ID, company.Enrichment{
		MetadataKey: MetadataKey,
		Metadata:    meta,
		Street:      truncate(street, maxFieldLen),
		Email:       truncate(email, maxFieldLen),
	})
	if err != nil {
		return false, eris.Wrapf(err, "dedup: enrich %s", b.ID)
	}
	if err := e.archive(ctx, b.ID, r); err != nil {
		return false, err
	}
	return filled || meta != nil, nil
}

func (e *Engine) createBusiness(ctx context.Context, r *order.RawResult) (*company.Business, error) {
	var localityID string
	if r.PostalCode != "" {
		id, err := e.localities.LocalityByPostalCode(ctx, r.PostalCode)
		if err != nil {
			return nil, eris.Wrapf(err, "dedup: resolve locality for %s", r.PostalCode)
		}
		localityID = id
	}

	street, email := ContactFields(r.Source, r.Payload)
	if r.Email != "" {
		email = r.Email
	}

	var metadata json.RawMessage
	meta, err := ExtractMetadata(r.Source, r.Payload, e.now())
	if err != nil {
		e.log.Warn("metadata not extracted", zap.String("raw_result_id", r.ID), zap.Error(err))
	} else if meta != nil {
		if metadata, err = json.Marshal(map[string]json.RawMessage{MetadataKey: meta}); err != nil {
			return nil, eris.Wrap(err, "dedup: encode metadata")
		}
	}

	b := &company.Business{
		Name:       truncate(r.Name, maxNameLen),
		Address:    truncate(r.Address, maxAddressLen),
		Street:     truncate(street, maxFieldLen),
		PostalCode: r.PostalCode,
		LocalityID: localityID,
		Phone:      truncate(r.Phone, maxPhoneLen),
		Website:    truncate(r.Website, maxFieldLen),
		Email:      truncate(email, maxFieldLen),
		Category:   r.Category,
		Lat:        r.Lat,
		Lng:        r.Lng,
		Metadata:   metadata,
	}
	if err := e.catalog.CreateBusiness(ctx, b); err != nil {
		return nil, eris.Wrap(err, "dedup: create business")
	}

	if r.ExternalID != "" {
		if err := e.catalog.AddExternalID(ctx, company.ExternalID{
			BusinessID: b.ID,
			IDType:     company.IDTypePlaceID,
			Value:      truncate(r.ExternalID, maxFieldLen),
			Provider:   r.Source,
		}); err != nil {
			return nil, eris.Wrapf(err, "dedup: link external id of %s", b.ID)
		}
	}
	if err := e.archive(ctx, b.ID, r); err != nil {
		return nil, err
	}
	return b, nil
}

// archive stores the raw payload for the business and provider.
func (e *Engine) archive(ctx context.Context, businessID string, r *order.RawResult) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := e.catalog.UpsertSource(ctx, company.Source{
		BusinessID: businessID,
		Source:     r.Source,
		SourceID:   r.ExternalID,
		RawData:    r.Payload,
	}); err != nil {
		return eris.Wrapf(err, "dedup: archive payload for %s", businessID)
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
