// Package api exposes the HTTP surface: webhook ingestion, usage checks
// and consumption, and account administration.
package api
