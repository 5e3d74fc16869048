package stream

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"tierstore/internal/tierstore"
)

// disconnectMessages are error texts that mean the peer went away.
var disconnectMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"connection aborted",
	"an established connection was aborted",
	"connection reset",
	"software caused connection abort",
	"stream closed",
	"socket closed",
	"connection closed",
	"connection timed out",
	"network is unreachable",
	"no route to host",
	"connection refused",
	"premature eof",
	"unexpected end of stream",
	"use of closed network connection",
	"client disconnected",
}

// IsClientDisconnect reports whether a write failure means the client went
// away rather than the server failing.
func IsClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, tierstore.ErrClientDisconnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range disconnectMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
