package ingest

import "errors"

// ErrConfig marks configuration problems: bad environment values, invalid
// source documents, unknown catalog categories. The CLI maps it to exit
// code 2.
var ErrConfig = errors.New("ingest: invalid configuration")

// ErrPartial marks a collection run where some sources failed while others
// succeeded. The CLI maps it to exit code 3.
var ErrPartial = errors.New("ingest: partial failure")

// ErrNotFound is returned by lookups for absent sources or articles.
var ErrNotFound = errors.New("ingest: not found")
