// Package fibraopts provides the functional-options vocabulary for
// socket creation, mirroring the teacher's sonicopts package. The hook
// layer's Socket hook (spec §4.5) is the option consumer: it is what
// decides whether a freshly created fd starts life reuse-addr'd,
// reuse-port'd, or nodelay'd before FdRegistry ever sees it.
package fibraopts

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

type OptionType uint8

const (
	TypeReusePort OptionType = iota
	TypeReuseAddr
	TypeNoDelay
	maxOption
)

func (t OptionType) String() string {
	switch t {
	case TypeReusePort:
		return "reuse_port"
	case TypeReuseAddr:
		return "reuse_addr"
	case TypeNoDelay:
		return "no_delay"
	default:
		return "option_unknown"
	}
}

type Option interface {
	Type() OptionType
	Value() any
}

type boolOption struct {
	t OptionType
	v bool
}

func (o boolOption) Type() OptionType { return o.t }
func (o boolOption) Value() any       { return o.v }

// ReusePort toggles SO_REUSEPORT on the socket before it is bound.
func ReusePort(v bool) Option { return boolOption{TypeReusePort, v} }

// ReuseAddr toggles SO_REUSEADDR on the socket before it is bound.
func ReuseAddr(v bool) Option { return boolOption{TypeReuseAddr, v} }

// NoDelay toggles TCP_NODELAY on a stream socket.
func NoDelay(v bool) Option { return boolOption{TypeNoDelay, v} }

// Apply sets every option on fd, in order, stopping at the first error.
func Apply(fd int, opts ...Option) error {
	for _, opt := range opts {
		v, _ := opt.Value().(bool)
		iv := 0
		if v {
			iv = 1
		}

		var err error
		switch opt.Type() {
		case TypeReusePort:
			err = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEPORT, iv)
		case TypeReuseAddr:
			err = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_REUSEADDR, iv)
		case TypeNoDelay:
			err = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, iv)
		default:
			return fmt.Errorf("fibraopts: unsupported option %s", opt.Type())
		}
		if err != nil {
			return os.NewSyscallError(fmt.Sprintf("setsockopt(%s)", opt.Type()), err)
		}
	}
	return nil
}
