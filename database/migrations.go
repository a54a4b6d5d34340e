package database

type migration struct {
	version     int
	description string
	sql         string
}

// migration002Upload records where a build was uploaded and the trace it
// ran under.
const migration002Upload = `
ALTER TABLE builds ADD COLUMN upload_key TEXT;
ALTER TABLE builds ADD COLUMN trace_id TEXT;

CREATE INDEX IF NOT EXISTS idx_builds_trace_id ON builds(trace_id);
`

// migrations are applied in order, each in its own transaction.
var migrations = []migration{
	{version: 1, description: "Initial schema with builds table", sql: initialSchema},
	{version: 2, description: "Add upload_key and trace_id to builds", sql: migration002Upload},
}
