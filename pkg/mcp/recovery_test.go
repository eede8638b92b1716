package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/queryweaver/queryweaver/pkg/dberr"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"context canceled", context.Canceled, NoRetry},
		{"deadline exceeded", context.DeadlineExceeded, NoRetry},
		{"eof", io.EOF, RetryNewSession},
		{"unexpected eof", fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF), RetryNewSession},
		{
			"dial refused",
			&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			RetryNewSession,
		},
		{
			"backend pressure already normalized",
			fmt.Errorf("call: %w", dberr.New(dberr.CategoryResourceExhausted, "1040", "too many connections", nil)),
			RetrySameSession,
		},
		{
			"permanent backend error",
			dberr.New(dberr.CategorySyntax, "1064", "syntax error", nil),
			NoRetry,
		},
		{"unknown error", errors.New("boom"), NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
