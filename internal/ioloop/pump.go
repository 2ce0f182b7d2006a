// Package ioloop implements the shared byte pump described in spec.md §4.1:
// a single-slot buffer, a framed-send routine that can attach one file
// descriptor as ancillary data to the first byte of a payload, and a
// framed-receive routine that can extract such a descriptor. It is the Go
// analogue of original_source/copy-stream.c.
package ioloop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/huetsch/detachtty/internal/logging"
)

// BufCapacity is the fixed size of the replay slot (spec.md §9: "4096 bytes
// is deliberate... tests must not assume larger replays").
const BufCapacity = 4096

// Pump owns one 4096-byte buffer and acts as the replay slot for one side
// of a session (host or attacher each construct their own — see SPEC_FULL.md
// §3 on why this isn't a literal package-global like the C original's).
type Pump struct {
	buf []byte
	n   int // bytes currently held; snapshot of "last successful read"
}

// NewPump allocates a pump with its buffer pre-sized to BufCapacity.
func NewPump() *Pump {
	return &Pump{buf: make([]byte, BufCapacity)}
}

// FillFrom reads up to BufCapacity bytes from fd. When recvFD is non-nil the
// read uses Recvmsg so a single SCM_RIGHTS fd can ride along on the first
// byte; the extracted descriptor is written to *recvFD. On a successful
// positive read the replay slot is overwritten and, if dribbleFD >= 0, the
// bytes are appended to the dribble file. A zero-length read (EOF) leaves
// the slot untouched per spec.md's replay-once invariant.
func (p *Pump) FillFrom(fd int, dribbleFD int, recvFD *int) (int, error) {
	var n int
	var err error

	if recvFD != nil {
		n, err = p.recvWithFD(fd, recvFD)
	} else {
		n, err = unix.Read(fd, p.buf)
	}
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return -1, err
	}
	if n > 0 {
		p.n = n
		if dribbleFD >= 0 {
			writeAll(dribbleFD, p.buf[:n])
		}
	}
	return n, nil
}

func (p *Pump) recvWithFD(fd int, recvFD *int) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(fd, p.buf, oob, 0)
	if err != nil {
		return 0, err
	}
	if oobn > 0 {
		cmsgs, cerr := unix.ParseSocketControlMessage(oob[:oobn])
		if cerr == nil {
			for _, cmsg := range cmsgs {
				fds, ferr := unix.ParseUnixRights(&cmsg)
				if ferr == nil && len(fds) > 0 {
					*recvFD = fds[0]
					break
				}
			}
		}
	}
	return n, nil
}

// DrainTo writes the replay slot in full to fd, looping over short writes.
// If sendFD >= 0 the first byte is sent with sendFD attached via SCM_RIGHTS,
// then the remainder is written as ordinary bytes. Returns the total bytes
// written; a peer-closed pipe is reported as ErrPeerClosed rather than a
// bare EPIPE, matching spec.md §7's "EPIPE distinguished as non-fatal."
func (p *Pump) DrainTo(fd int, sendFD int) (int, error) {
	if fd < 0 || p.n <= 0 {
		return 0, nil
	}
	data := p.buf[:p.n]
	total := 0

	if sendFD >= 0 {
		rights := unix.UnixRights(sendFD)
		if err := unix.Sendmsg(fd, data[:1], rights, nil, 0); err != nil {
			if errors.Is(err, unix.EPIPE) {
				return -1, ErrPeerClosed
			}
			return -1, err
		}
		data = data[1:]
		total++
	}

	n, err := writeAll(fd, data)
	total += n
	if err != nil {
		if errors.Is(err, unix.EPIPE) {
			return -1, ErrPeerClosed
		}
		return -1, err
	}
	return total, nil
}

// writeAll loops write(2) until all of data is written or an error occurs,
// restarting on EINTR (spec.md §5: "short writes are looped inside drain-to").
func writeAll(fd int, data []byte) (int, error) {
	total := 0
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		total += n
		data = data[n:]
	}
	return total, nil
}

// ErrPeerClosed marks a write that failed with EPIPE: the peer hung up.
// Per spec.md §7 this is a non-fatal, expected event on either side.
var ErrPeerClosed = errors.New("ioloop: peer closed connection")

// CopyABit performs one FillFrom followed by one DrainTo. It returns 0 on
// EOF (leaving the caller to close the affected side) or the byte count
// copied, matching original copy_a_bit_sendfd_recvfd.
func (p *Pump) CopyABit(in, out, dribbleFD, sendFD int, recvFD *int) (int, error) {
	n, err := p.FillFrom(in, dribbleFD, recvFD)
	if err != nil || n <= 0 {
		return n, err
	}
	if _, err := p.DrainTo(out, sendFD); err != nil && !errors.Is(err, ErrPeerClosed) {
		return -1, err
	}
	return p.n, nil
}

// CopyABitLog is CopyABit with an "end-of-file while <message>" log line on
// EOF, as original copy_a_bit_sendfd_recvfd_with_log does.
func (p *Pump) CopyABitLog(in, out, dribbleFD, sendFD int, recvFD *int, log *logging.Logger, message string) (int, error) {
	n, err := p.CopyABit(in, out, dribbleFD, sendFD, recvFD)
	if err == nil && n == 0 && log != nil {
		log.Printf("%s", fmt.Sprintf("end-of-file while %s", message))
	}
	return n, err
}

// Snapshot returns the bytes currently held in the replay slot (for tests
// and for the host's "replay most recent chunk into a newly accepted
// client" behavior — see internal/host).
func (p *Pump) Snapshot() []byte {
	out := make([]byte, p.n)
	copy(out, p.buf[:p.n])
	return out
}
