package instance

// Schema creates the tables used by PostgresStore. Applied by the migration
// step in deployment and by the integration test harness.
const Schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id                       UUID PRIMARY KEY,
	case_id                  UUID NOT NULL,
	from_parent_id           UUID NOT NULL,
	to_parent_id             UUID NOT NULL,
	child_ids                JSONB NOT NULL DEFAULT '[]',
	address                  TEXT NOT NULL DEFAULT '',
	formatted_address        TEXT NOT NULL DEFAULT '',
	lat                      DOUBLE PRECISION NOT NULL,
	lng                      DOUBLE PRECISION NOT NULL,
	geofence_radius_m        DOUBLE PRECISION NOT NULL DEFAULT 100,
	geocode_accuracy         TEXT NOT NULL DEFAULT '',
	scheduled_at             TIMESTAMPTZ,
	recurrence               JSONB,
	before_window_secs       BIGINT NOT NULL,
	after_window_secs        BIGINT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'active',
	silent_handoff_enabled   BOOLEAN NOT NULL DEFAULT TRUE,
	qr_confirmation_required BOOLEAN NOT NULL DEFAULT FALSE,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_exchanges_case ON exchanges (case_id);

CREATE TABLE IF NOT EXISTS exchange_instances (
	id                  UUID PRIMARY KEY,
	exchange_id         UUID NOT NULL REFERENCES exchanges (id),
	case_id             UUID NOT NULL,
	scheduled_at        TIMESTAMPTZ NOT NULL,
	window_start        TIMESTAMPTZ NOT NULL,
	window_end          TIMESTAMPTZ NOT NULL,

	from_checked_in     BOOLEAN NOT NULL DEFAULT FALSE,
	from_checked_in_at  TIMESTAMPTZ,
	from_lat            DOUBLE PRECISION,
	from_lng            DOUBLE PRECISION,
	from_accuracy_m     DOUBLE PRECISION,
	from_distance_m     DOUBLE PRECISION,
	from_in_geofence    BOOLEAN,
	from_low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
	from_manual         BOOLEAN NOT NULL DEFAULT FALSE,
	from_device         TEXT NOT NULL DEFAULT '',

	to_checked_in       BOOLEAN NOT NULL DEFAULT FALSE,
	to_checked_in_at    TIMESTAMPTZ,
	to_lat              DOUBLE PRECISION,
	to_lng              DOUBLE PRECISION,
	to_accuracy_m       DOUBLE PRECISION,
	to_distance_m       DOUBLE PRECISION,
	to_in_geofence      BOOLEAN,
	to_low_confidence   BOOLEAN NOT NULL DEFAULT FALSE,
	to_manual           BOOLEAN NOT NULL DEFAULT FALSE,
	to_device           TEXT NOT NULL DEFAULT '',

	qr_confirmed_at     TIMESTAMPTZ,
	handoff_outcome     TEXT NOT NULL DEFAULT 'pending',
	qr_missing          BOOLEAN NOT NULL DEFAULT FALSE,
	auto_closed         BOOLEAN NOT NULL DEFAULT FALSE,
	status              TEXT NOT NULL DEFAULT 'active',
	is_disputed         BOOLEAN NOT NULL DEFAULT FALSE,
	dispute_notes       TEXT NOT NULL DEFAULT '',
	disputed_by         TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),

	UNIQUE (exchange_id, scheduled_at)
);

CREATE INDEX IF NOT EXISTS idx_instances_case_scheduled
	ON exchange_instances (case_id, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_instances_sweep
	ON exchange_instances (window_end)
	WHERE NOT auto_closed AND status = 'active';
`
