package postgres

import (
	"context"
	"fmt"
)

// spoIdentityColumns is the unique key of a stored triple. object_hash is the
// hash of the lexical form only, so the literal flag and the language tag are
// part of the key: "Paris"@en, "Paris"@fr and <Paris> are three rows.
const spoIdentityColumns = "subject, predicate, object_hash, lit_obj, obj_lang, " +
	"source, gen_time, obj_deriv_source, obj_source_object"

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS harvest_source (
	harvest_source_id   BIGSERIAL PRIMARY KEY,
	url                 TEXT        NOT NULL,
	url_hash            BIGINT      NOT NULL UNIQUE,
	emails              TEXT        NOT NULL DEFAULT '',
	time_created        TIMESTAMPTZ NOT NULL DEFAULT now(),
	interval_minutes    INTEGER     NOT NULL DEFAULT 0 CHECK (interval_minutes >= 0),
	last_harvest        TIMESTAMPTZ,
	count_unavail       INTEGER     NOT NULL DEFAULT 0,
	permanent_error     BOOLEAN     NOT NULL DEFAULT FALSE,
	priority_source     BOOLEAN     NOT NULL DEFAULT FALSE,
	last_harvest_failed BOOLEAN     NOT NULL DEFAULT FALSE,
	owner               TEXT        NOT NULL DEFAULT 'harvester',
	media_type          TEXT        NOT NULL DEFAULT '',
	statements          BIGINT      NOT NULL DEFAULT 0,
	resources           BIGINT      NOT NULL DEFAULT 0,
	state               TEXT        NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'pending_deletion'))
)`,
	`CREATE INDEX IF NOT EXISTS harvest_source_state_idx ON harvest_source (state)`,
	`CREATE TABLE IF NOT EXISTS harvest (
	harvest_id        BIGSERIAL PRIMARY KEY,
	harvest_source_id BIGINT      NOT NULL REFERENCES harvest_source (harvest_source_id),
	type              TEXT        NOT NULL,
	username          TEXT        NOT NULL DEFAULT '',
	status            TEXT        NOT NULL DEFAULT 'started',
	started           TIMESTAMPTZ NOT NULL,
	finished          TIMESTAMPTZ,
	tot_statements    BIGINT      NOT NULL DEFAULT 0,
	distinct_subjects BIGINT      NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS harvest_source_id_idx ON harvest (harvest_source_id)`,
	`CREATE TABLE IF NOT EXISTS harvest_message (
	harvest_message_id BIGSERIAL PRIMARY KEY,
	harvest_id         BIGINT NOT NULL REFERENCES harvest (harvest_id),
	severity           TEXT   NOT NULL,
	message            TEXT   NOT NULL,
	stack_trace        TEXT   NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS harvest_message_harvest_idx ON harvest_message (harvest_id)`,
	`CREATE TABLE IF NOT EXISTS spo (
	subject                   BIGINT  NOT NULL,
	predicate                 BIGINT  NOT NULL,
	object                    TEXT    NOT NULL,
	object_hash               BIGINT  NOT NULL,
	object_double             DOUBLE PRECISION,
	anon_subj                 BOOLEAN NOT NULL DEFAULT FALSE,
	anon_obj                  BOOLEAN NOT NULL DEFAULT FALSE,
	lit_obj                   BOOLEAN NOT NULL DEFAULT FALSE,
	obj_lang                  TEXT    NOT NULL DEFAULT '',
	obj_source_object         BIGINT  NOT NULL DEFAULT 0,
	source                    BIGINT  NOT NULL,
	gen_time                  BIGINT  NOT NULL,
	obj_deriv_source          BIGINT  NOT NULL DEFAULT 0,
	obj_deriv_source_gen_time BIGINT  NOT NULL DEFAULT 0,
	CONSTRAINT spo_identity UNIQUE (` + spoIdentityColumns + `)
)`,
	// Tables created before the identity covered the literal kind and language
	// silently merged "x"@en with "x"@fr; rebuild their constraint once.
	`DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_constraint
		WHERE conname = 'spo_identity' AND pg_get_constraintdef(oid) LIKE '%obj_lang%'
	) THEN
		ALTER TABLE spo DROP CONSTRAINT IF EXISTS spo_identity;
		ALTER TABLE spo ADD CONSTRAINT spo_identity UNIQUE (` + spoIdentityColumns + `);
	END IF;
END
$$`,
	`CREATE INDEX IF NOT EXISTS spo_source_gen_idx ON spo (source, gen_time)`,
	`CREATE INDEX IF NOT EXISTS spo_deriv_gen_idx ON spo (obj_deriv_source, obj_deriv_source_gen_time)`,
	`CREATE INDEX IF NOT EXISTS spo_subject_idx ON spo (subject)`,
	`CREATE INDEX IF NOT EXISTS spo_predicate_object_idx ON spo (predicate, object_hash)`,
	`CREATE TABLE IF NOT EXISTS resource (
	uri               TEXT   NOT NULL,
	uri_hash          BIGINT PRIMARY KEY,
	firstseen_source  BIGINT NOT NULL,
	firstseen_time    BIGINT NOT NULL,
	lastmodified_time BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS resource_firstseen_idx ON resource (firstseen_source, firstseen_time)`,
	`CREATE TABLE IF NOT EXISTS unfinished_harvest (
	source   BIGINT NOT NULL,
	gen_time BIGINT NOT NULL,
	PRIMARY KEY (source, gen_time)
)`,
	`CREATE TABLE IF NOT EXISTS urgent_harvest_queue (
	id             BIGSERIAL PRIMARY KEY,
	url            TEXT        NOT NULL,
	pushed_content TEXT,
	queued         TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
}

// Migrate creates the harvester tables and indexes when they are missing.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, storeErr("migrate", err))
		}
	}
	return nil
}
