// Package stores persists run reports and recorded download checksums in
// SQLite. The schema is managed by embedded migrations.
//
// SQLiteStore implements engine.ReportSink, so a converge run writes its
// report when it starts and again when it completes, and
// resource.ChecksumLedger, so remote file steps can tell a converged
// download from a stale one across runs.
package stores
