package handler

import (
	"context"
	"net"
)

type connKey struct{}

// ConnContext is an http.Server ConnContext hook that records the client
// connection so a forced cancel can reach the raw transport.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFrom(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connKey{}).(net.Conn)
	return c
}
