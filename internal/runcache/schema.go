package runcache

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT,
    state TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    data TEXT NOT NULL,
    cached_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_events (
    run_id TEXT NOT NULL,
    id INTEGER NOT NULL,
    created_at TIMESTAMP,
    event_type TEXT NOT NULL,
    message TEXT NOT NULL,
    PRIMARY KEY (run_id, id)
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
`
