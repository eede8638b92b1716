package mcp

import (
	"time"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

// RecoveryAction determines how to handle an MCP operation failure.
type RecoveryAction int

const (
	// NoRetry — the error is not recoverable or not safe to retry
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient backend pressure, retry on the session
	RetrySameSession
	// RetryNewSession — transport failure, recreate the session and retry
	RetryNewSession
)

const (
	// InitTimeout is the per-server deadline for transport setup + handshake.
	InitTimeout = 30 * time.Second

	// ReinitTimeout is the deadline for recreating a session during recovery.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Queries against large Doris tables are legitimately slow; the pipeline
	// stage timeout is the hard ceiling above this.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin and RetryBackoffMax bound the jittered backoff before
	// the single recovery retry.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// HealthProbeTimeout is the health check probe deadline.
	HealthProbeTimeout = 5 * time.Second

	// HealthInterval is the health check loop interval.
	HealthInterval = 15 * time.Second
)

// ClassifyError maps an MCP operation error to a recovery action using the
// shared error taxonomy. Dropped streams and refused dials get a fresh
// session; backend pressure is retried in place; timeouts are not retried
// because the server may simply be slow. Everything unmapped is not safe to
// retry.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	switch dberr.FromTransport(err).Category {
	case dberr.CategoryConnection, dberr.CategoryNetwork:
		return RetryNewSession
	case dberr.CategoryResourceExhausted:
		return RetrySameSession
	default:
		return NoRetry
	}
}
