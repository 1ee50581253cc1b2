// Package store serializes metadata writes. All upserts funnel through a single
// Writer goroutine so concurrent pipeline results never race on the same row.
// This package must not import database drivers or concrete clients.
package store
