// Package postgres manages the PostgreSQL connection pool, the Redis
// client, and the database schema.
package postgres
