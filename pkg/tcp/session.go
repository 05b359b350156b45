package tcp

import (
	"net/netip"

	"github.com/pkg/errors"

	"vnet/pkg/tcperr"
)

var errClosing = errors.WithStack(tcperr.Closing)

// session identifies one connection by its four-tuple. Go's built-in
// struct equality and map hashing already mix every field uniformly, so
// there is no custom hash-combine step here.
type session struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (s session) String() string {
	return s.LocalAddr.String() + ":" + portString(s.LocalPort) + "->" +
		s.RemoteAddr.String() + ":" + portString(s.RemotePort)
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
