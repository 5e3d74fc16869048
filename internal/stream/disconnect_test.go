package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"tierstore/internal/tierstore"
)

func TestIsClientDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"broken pipe", &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{"reset", fmt.Errorf("writing: %w", syscall.ECONNRESET), true},
		{"aborted", syscall.ECONNABORTED, true},
		{"closed conn", net.ErrClosed, true},
		{"request canceled", context.Canceled, true},
		{"sentinel", tierstore.ErrClientDisconnected, true},
		{"message only", errors.New("An established connection was aborted by the software"), true},
		{"premature eof", errors.New("Premature EOF"), true},
		{"disk failure", errors.New("input/output error"), false},
		{"unexpected eof", io.ErrUnexpectedEOF, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsClientDisconnect(tt.err))
		})
	}
}
