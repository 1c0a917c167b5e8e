// Package runstore persists pipeline run snapshots in SQLite.
//
// Each run is one row holding the full JSON snapshot plus indexed summary
// columns; outcomes are mirrored into their own table so per-worker history
// can be aggregated across runs. The schema version lives in schema.go; when
// the schema changes, bump schemaVersion and delete the database.
package runstore
