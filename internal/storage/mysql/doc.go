// Package mysql persists payment session records in MySQL. It encapsulates
// connection pooling, schema migrations, and the session.Store driver used by
// long-lived deployments that share one budget across processes.
package mysql
