package engine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8188
)

// Address is where the engine listens.
type Address struct {
	Host   string
	Port   int
	Secure bool
}

func (a Address) hostPort() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// HTTPBase returns e.g. "http://127.0.0.1:8188".
func (a Address) HTTPBase() string {
	scheme := "http"
	if a.Secure {
		scheme = "https"
	}
	return scheme + "://" + a.hostPort()
}

// WSBase returns e.g. "ws://127.0.0.1:8188".
func (a Address) WSBase() string {
	scheme := "ws"
	if a.Secure {
		scheme = "wss"
	}
	return scheme + "://" + a.hostPort()
}

func (a Address) String() string { return a.HTTPBase() }

// ResolveAddress picks the engine address: an explicit listen/port first, then
// the address the running engine reported, then 127.0.0.1:8188.
// Wildcard hosts are rewritten to loopback.
func ResolveAddress(opts Options) (Address, error) {
	addr := Address{
		Host:   defaultHost,
		Port:   defaultPort,
		Secure: strings.TrimSpace(opts.TLSKeyFile) != "" && strings.TrimSpace(opts.TLSCertFile) != "",
	}

	listen := strings.TrimSpace(opts.Listen)
	switch {
	case listen != "" || opts.Port != 0:
		if listen != "" {
			first, _, _ := strings.Cut(listen, ",")
			addr.Host = normalizeHost(first)
		}
		if opts.Port != 0 {
			addr.Port = opts.Port
		}
	case strings.TrimSpace(opts.ReportedAddr) != "":
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(opts.ReportedAddr))
		if err != nil {
			return Address{}, fmt.Errorf("engine reported address %q: %w", opts.ReportedAddr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Address{}, fmt.Errorf("engine reported address %q: invalid port", opts.ReportedAddr)
		}
		addr.Host = normalizeHost(host)
		addr.Port = port
	}

	if addr.Port <= 0 || addr.Port > 65535 {
		return Address{}, fmt.Errorf("engine port %d out of range", addr.Port)
	}
	return addr, nil
}

func normalizeHost(h string) string {
	h = strings.Trim(strings.TrimSpace(h), "[]")
	switch h {
	case "", "0.0.0.0", "::":
		return defaultHost
	}
	return h
}
