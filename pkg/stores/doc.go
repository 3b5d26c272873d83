// Package stores provides the persistence layer for the deoxy
// controller. It records terminal runs and their step logs to SQLite
// with WAL mode, schema migrations and the full program snapshot
// attached to each run so history stays interpretable after program
// deletion.
package stores
