package iomgr

import (
	"fmt"
	"strings"

	"snbwriter/internal/system"
	"snbwriter/internal/util"
)

func (p *pending) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%-5s [ Fd: %3d | Buf: @0x%x | Len: 0x%08x | Off: 0x%010x | Units: %d ]",
		p.op.Opcode, p.op.Fd, system.BufAddr(p.op.Buf), len(p.op.Buf), p.op.Offset, p.units)
}

func (m *IoMgr) String() string {
	if m == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IoMgr | Backend: %v, Wait: %v, InFlight: %d/%d, Pending: %d, Sent: %d, Completed: %d\n",
		m.backend, m.wait, m.inflight, m.capacity, m.Pending(), m.sent, m.completed)

	m.slots.Each(func(t util.Ticket, p pending) {
		fmt.Fprintf(&b, "   | [%03d g%d] %s\n", t.Index(), t.Gen(), p.String())
	})

	return b.String()
}
