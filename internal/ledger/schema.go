package ledger

const schema = `
CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    loc_id TEXT NOT NULL,
    row_name TEXT,
    domain_url TEXT,
    activation_url TEXT,
    failed_step TEXT,
    error_message TEXT,
    logs TEXT,
    fail_count INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL DEFAULT 'open',
    last_seen_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_failures_loc_kind ON failures(loc_id, kind);
CREATE INDEX IF NOT EXISTS idx_failures_status ON failures(status);
`
