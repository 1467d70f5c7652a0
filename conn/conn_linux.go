package conn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setFwmark(fd, fwmark int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, fwmark); err != nil {
		return fmt.Errorf("failed to set socket option SO_MARK: %w", err)
	}
	return nil
}

func setSendBufferSize(fd, size int) error {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, size); err != nil {
		return fmt.Errorf("failed to set socket option SO_SNDBUFFORCE: %w", err)
	}
	return nil
}

func setRecvBufferSize(fd, size int) error {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size); err != nil {
		return fmt.Errorf("failed to set socket option SO_RCVBUFFORCE: %w", err)
	}
	return nil
}

func (fns setFuncSlice) appendSetFwmarkFunc(fwmark int) setFuncSlice {
	if fwmark != 0 {
		return append(fns, func(fd int, _ string) error {
			return setFwmark(fd, fwmark)
		})
	}
	return fns
}

func (cfg UDPSocketConfig) buildSetFns() setFuncSlice {
	return setFuncSlice{}.
		appendSetFwmarkFunc(cfg.Fwmark).
		appendSetSendBufferSize(cfg.SendBufferSize).
		appendSetRecvBufferSize(cfg.ReceiveBufferSize)
}
