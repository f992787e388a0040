package sqlstore

import (
	"context"
	"strings"
)

// schema is shared by both dialects. {{id}}, {{ts}} and {{money}} expand to
// the column types of the dialect.
const schema = `
CREATE TABLE IF NOT EXISTS pieces (
	piece_ref TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	color TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS sets (
	set_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS set_bom (
	set_id TEXT NOT NULL REFERENCES sets(set_id) ON DELETE CASCADE,
	line_no INTEGER NOT NULL,
	piece_ref TEXT NOT NULL REFERENCES pieces(piece_ref),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	PRIMARY KEY (set_id, line_no)
);

CREATE TABLE IF NOT EXISTS lots (
	id {{id}},
	code TEXT NOT NULL UNIQUE,
	provenance TEXT NOT NULL DEFAULT '',
	acquired_at {{ts}} NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS stock_movements (
	id {{id}},
	piece_ref TEXT NOT NULL,
	direction TEXT NOT NULL CHECK (direction IN ('IN', 'OUT', 'ADJUST')),
	quantity INTEGER NOT NULL,
	unit_cost {{money}},
	lot_id BIGINT REFERENCES lots(id),
	source_type TEXT NOT NULL,
	source_id BIGINT NOT NULL DEFAULT 0,
	created_at {{ts}} NOT NULL,
	CHECK ((direction = 'ADJUST' AND quantity <> 0) OR (direction <> 'ADJUST' AND quantity > 0))
);

CREATE INDEX IF NOT EXISTS idx_stock_movements_piece_order
	ON stock_movements(piece_ref, created_at, id);
CREATE INDEX IF NOT EXISTS idx_stock_movements_source
	ON stock_movements(source_type, source_id);

CREATE TABLE IF NOT EXISTS sales (
	id {{id}},
	reference TEXT NOT NULL UNIQUE,
	sale_type TEXT NOT NULL CHECK (sale_type IN ('SET', 'PIECE')),
	sales_channel TEXT NOT NULL,
	sale_date TEXT NOT NULL,
	net_seller_amount {{money}} NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('CONFIRMED', 'CANCELLED')),
	total_cost_amount {{money}} NOT NULL,
	total_margin_amount {{money}} NOT NULL,
	margin_rate {{money}},
	created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(sale_date, id);

CREATE TABLE IF NOT EXISTS sale_items (
	id {{id}},
	sale_id BIGINT NOT NULL REFERENCES sales(id),
	line_index INTEGER NOT NULL,
	item_kind TEXT NOT NULL CHECK (item_kind IN ('SET', 'PIECE')),
	set_id TEXT NOT NULL DEFAULT '',
	piece_ref TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL,
	is_partial_set BOOLEAN NOT NULL DEFAULT FALSE,
	net_amount {{money}} NOT NULL,
	cost_amount {{money}} NOT NULL,
	margin_amount {{money}},
	overrides TEXT
);

CREATE INDEX IF NOT EXISTS idx_sale_items_sale ON sale_items(sale_id, line_index);

CREATE TABLE IF NOT EXISTS sale_item_pieces (
	id {{id}},
	sale_id BIGINT NOT NULL REFERENCES sales(id),
	sale_item_id BIGINT NOT NULL REFERENCES sale_items(id),
	piece_ref TEXT NOT NULL,
	lot_id BIGINT NOT NULL REFERENCES lots(id),
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	unit_cost {{money}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sale_item_pieces_sale ON sale_item_pieces(sale_id);

CREATE TABLE IF NOT EXISTS sale_sagas (
	id {{id}},
	reference TEXT NOT NULL UNIQUE,
	sale_id BIGINT,
	status TEXT NOT NULL,
	step TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_attempt_at {{ts}},
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sale_sagas_status ON sale_sagas(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	actor_username TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at);

CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	replacer := strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMPTZ",
		"{{money}}", "NUMERIC",
	)
	if s.dialect == sqlite {
		replacer = strings.NewReplacer(
			"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{ts}}", "TEXT",
			"{{money}}", "TEXT",
		)
	}

	for _, stmt := range strings.Split(replacer.Replace(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
