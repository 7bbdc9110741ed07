// Package ledger stores control-plane requests and the events nodes send
// back about them. Requests and events are envelope-shaped rows in SQLite,
// with the schema managed by golang-migrate.
//
// A Board keeps an in-memory view of the ledger and syncs it in a loop; a
// Courier carries requests to channel stores and collects node replies.
package ledger
