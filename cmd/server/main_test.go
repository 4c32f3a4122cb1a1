package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientHostForListenAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		listenAddr string
		want       string
	}{
		{name: "port only", listenAddr: ":5433", want: "localhost -p 5433"},
		{name: "ipv4 host and port", listenAddr: "127.0.0.1:6432", want: "127.0.0.1 -p 6432"},
		{name: "wildcard ipv4", listenAddr: "0.0.0.0:5433", want: "localhost -p 5433"},
		{name: "wildcard ipv6", listenAddr: "[::]:5433", want: "localhost -p 5433"},
		{name: "ipv6 loopback", listenAddr: "[::1]:5433", want: "::1 -p 5433"},
		{name: "trim host and port", listenAddr: " localhost:9090 ", want: "localhost -p 9090"},
		{name: "empty falls back", listenAddr: "", want: "localhost -p 5433"},
		{name: "whitespace falls back", listenAddr: "   ", want: "localhost -p 5433"},
		{name: "malformed passes through", listenAddr: "localhost", want: "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, clientHostForListenAddr(tt.listenAddr))
		})
	}
}
