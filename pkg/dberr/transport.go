package dberr

import (
	"context"
	"errors"
	"io"
	"net"
)

// FromTransport normalizes failures that happened below the SQL layer:
// dial errors, dropped streams, deadline expiry. Used directly for MCP
// transport failures and as the fallback for codeless backend errors.
func FromTransport(err error) *NormalizedError {
	if err == nil {
		return nil
	}
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(CategoryTimeout, "", err.Error(), err)
	case errors.Is(err, context.Canceled):
		return New(CategoryTimeout, "", err.Error(), err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return New(CategoryConnection, "", err.Error(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(CategoryTimeout, "", err.Error(), err)
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return New(CategoryConnection, "", err.Error(), err)
		}
		return New(CategoryNetwork, "", err.Error(), err)
	}
	return New(CategoryUnknown, "", err.Error(), err)
}
