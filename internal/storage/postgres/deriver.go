package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
)

// Vocabulary used by the SQL derivations.
const (
	RDFType           = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	RDFSLabel         = "http://www.w3.org/2000/01/rdf-schema#label"
	RDFSSubClassOf    = "http://www.w3.org/2000/01/rdf-schema#subClassOf"
	RDFSSubPropertyOf = "http://www.w3.org/2000/01/rdf-schema#subPropertyOf"
)

// Deriver computes inferred rows for a harvest that is about to commit. Every
// hook runs inside the harvest transaction and must not commit it.
type Deriver interface {
	DeriveLabels(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error
	DeriveParentClasses(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error
	DeriveParentProperties(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error
	ExtractNewHarvestSources(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error
}

// NoopDeriver derives nothing.
type NoopDeriver struct{}

// DeriveLabels implements Deriver.
func (NoopDeriver) DeriveLabels(context.Context, pgx.Tx, harvest.SourceRef) error { return nil }

// DeriveParentClasses implements Deriver.
func (NoopDeriver) DeriveParentClasses(context.Context, pgx.Tx, harvest.SourceRef) error { return nil }

// DeriveParentProperties implements Deriver.
func (NoopDeriver) DeriveParentProperties(context.Context, pgx.Tx, harvest.SourceRef) error { return nil }

// ExtractNewHarvestSources implements Deriver.
func (NoopDeriver) ExtractNewHarvestSources(context.Context, pgx.Tx, harvest.SourceRef) error { return nil }

// SQLDeriver runs RDFS-style derivations directly in the store.
//
// Derived rows are stamped with the harvest's own (source, gen_time) and carry
// the harvest again as provenance, so the next committed harvest clears them
// and crash recovery removes them with the rest of the generation.
type SQLDeriver struct {
	// SourceClass is the rdf:type whose instances are registered as new
	// harvest sources. Empty disables source extraction.
	SourceClass string
	// SourceInterval is the interval given to extracted sources.
	SourceInterval int
}

const derivedInsert = `
INSERT INTO spo (subject, predicate, object, object_hash, object_double, anon_subj, anon_obj, lit_obj,
	obj_lang, obj_source_object, source, gen_time, obj_deriv_source, obj_deriv_source_gen_time)
`

// DeriveLabels attaches the rdfs:label of every resource object as a literal
// object of the same statement, so statements can be displayed and searched by
// label without a join.
func (d SQLDeriver) DeriveLabels(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error {
	_, err := tx.Exec(ctx, derivedInsert+`
SELECT DISTINCT t.subject, t.predicate, l.object, l.object_hash, l.object_double, t.anon_subj, FALSE, TRUE,
	l.obj_lang, t.object_hash, $1, $2, $1, $2
FROM spo t
JOIN spo l ON l.subject = t.object_hash AND l.predicate = $3 AND l.lit_obj = TRUE
WHERE t.source = $1 AND t.gen_time = $2 AND t.lit_obj = FALSE AND t.obj_source_object = 0
ON CONFLICT DO NOTHING`, ref.Hash, ref.GenTime, hash.SPO(RDFSLabel))
	if err != nil {
		return storeErr("derive labels", err)
	}
	return nil
}

// DeriveParentClasses adds rdf:type statements for every superclass of a type
// asserted by this harvest.
func (d SQLDeriver) DeriveParentClasses(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error {
	_, err := tx.Exec(ctx, derivedInsert+`
SELECT DISTINCT t.subject, t.predicate, c.object, c.object_hash, NULL::float8, t.anon_subj, c.anon_obj, FALSE,
	'', t.object_hash, $1, $2, $1, $2
FROM spo t
JOIN spo c ON c.subject = t.object_hash AND c.predicate = $4 AND c.lit_obj = FALSE
WHERE t.source = $1 AND t.gen_time = $2 AND t.predicate = $3 AND t.obj_source_object = 0
ON CONFLICT DO NOTHING`, ref.Hash, ref.GenTime, hash.SPO(RDFType), hash.SPO(RDFSSubClassOf))
	if err != nil {
		return storeErr("derive parent classes", err)
	}
	return nil
}

// DeriveParentProperties restates every statement of this harvest under the
// super-properties of its predicate.
func (d SQLDeriver) DeriveParentProperties(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error {
	_, err := tx.Exec(ctx, derivedInsert+`
SELECT DISTINCT t.subject, p.object_hash, t.object, t.object_hash, t.object_double, t.anon_subj, t.anon_obj,
	t.lit_obj, t.obj_lang, t.predicate, $1, $2, $1, $2
FROM spo t
JOIN spo p ON p.subject = t.predicate AND p.predicate = $3 AND p.lit_obj = FALSE
WHERE t.source = $1 AND t.gen_time = $2 AND t.obj_source_object = 0
ON CONFLICT DO NOTHING`, ref.Hash, ref.GenTime, hash.SPO(RDFSSubPropertyOf))
	if err != nil {
		return storeErr("derive parent properties", err)
	}
	return nil
}

// ExtractNewHarvestSources registers every non-blank subject typed with
// SourceClass as a harvest source. Already known URLs are left untouched.
func (d SQLDeriver) ExtractNewHarvestSources(ctx context.Context, tx pgx.Tx, ref harvest.SourceRef) error {
	if d.SourceClass == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
INSERT INTO harvest_source (url, url_hash, interval_minutes, owner)
SELECT DISTINCT ON (r.uri_hash) r.uri, r.uri_hash, $5, $6
FROM spo t
JOIN resource r ON r.uri_hash = t.subject
WHERE t.source = $1 AND t.gen_time = $2 AND t.predicate = $3 AND t.object_hash = $4
	AND t.anon_subj = FALSE AND position('#' in r.uri) = 0
ON CONFLICT (url_hash) DO NOTHING`,
		ref.Hash, ref.GenTime, hash.SPO(RDFType), hash.SPO(d.SourceClass), d.SourceInterval, harvest.DefaultOwner)
	if err != nil {
		return storeErr("extract new harvest sources", err)
	}
	return nil
}
