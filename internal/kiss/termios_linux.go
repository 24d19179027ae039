//go:build linux

package kiss

import (
	"golang.org/x/sys/unix"
)

// configureRaw applies the §4.1 step-3 line discipline to an already-open
// character device: raw mode, 8-N-1, flow control disabled, CLOCAL+CREAD,
// VMIN=VTIME=0, DTR/RTS asserted, I/O flushed. pkg/term's RawMode covers
// most of this portably; the fields below are the ones it doesn't expose,
// grounded on the teacher's serial_port.go TODOs calling out CLOCAL/CREAD/
// VMIN/VTIME explicitly.
func configureRaw(fd uintptr, baud int, skipBaud bool) error {
	t, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return err
	}

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.CRTSCTS
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if !skipBaud {
		if rate, ok := termiosBaud[baud]; ok {
			t.Cflag &^= unix.CBAUD
			t.Cflag |= rate
		}
	}

	if err := unix.IoctlSetTermios(int(fd), unix.TCSETS, t); err != nil {
		return err
	}

	if err := unix.IoctlSetInt(int(fd), unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return err
	}

	return assertDTRRTS(fd)
}

var termiosBaud = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

func assertDTRRTS(fd uintptr) error {
	bits := unix.TIOCM_DTR | unix.TIOCM_RTS
	return unix.IoctlSetPointerInt(int(fd), unix.TIOCMBIS, bits)
}
