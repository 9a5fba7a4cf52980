package main

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveTCP4 turns a "host:port" string into a unix.SockaddrInet4 for the
// raw Bind call the demo's hooked Socket fd needs -- fibrahook only wraps
// Socket/Connect/Accept/Read/Write/Close, not Bind/Listen, so those stay
// plain golang.org/x/sys/unix calls the same way the teacher's
// internal/socket_unix.go leaves bind/listen alone.
func resolveTCP4(addr string) (*unix.SockaddrInet4, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	ip := tcpAddr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}
