// Package artifact stores the named outputs workers exchange during a run.
//
// Keys are relative, slash-separated paths such as "geology/summary.json". A
// trailing "*" turns an input key into a prefix pattern. The default backend
// is a directory per run that worker processes write into directly; S3 and
// Postgres backends replicate that workspace for durability, and an optional
// LRU cache fronts them.
package artifact
