package tcp

import (
	"context"
	"time"
)

// zeroWindowProbe implements a Pause -> Countdown -> WaitAck sub-FSM:
// while the peer advertises a zero window and there is unsent data
// queued, periodically push a single byte past the window to force a
// fresh ACK carrying an updated window. Successive probes back off
// exponentially (4, 8, 16, ... times the minimum RTO apart), resetting to the first
// interval once the window reopens or there is nothing to send.
type zeroWindowProbe struct {
	sendBuf  *SendBuffer
	sendOne  func(seq uint32, by byte) // transmits a one-byte segment at seq
	onGiveUp func()

	baseRTO time.Duration
	retries int
}

func newZeroWindowProbe(sendBuf *SendBuffer, sendOne func(uint32, byte), onGiveUp func(), rtoMin time.Duration) *zeroWindowProbe {
	return &zeroWindowProbe{
		sendBuf:  sendBuf,
		sendOne:  sendOne,
		onGiveUp: onGiveUp,
		baseRTO:  rtoMin,
	}
}

// Run blocks in the Pause state until the window closes with data
// pending, then alternates Countdown/WaitAck until the window reopens,
// the buffer is shut down, or the retry budget is exhausted. Each
// Countdown doubles the last one, starting at 4x baseRTO.
func (p *zeroWindowProbe) Run(ctx context.Context) {
	for {
		wait := p.baseRTO << uint(p.retries+2) // 4, 8, 16, ... x baseRTO

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if p.sendBuf.Window() > 0 {
			p.retries = 0
			continue
		}
		seq, by, ok := p.sendBuf.PeekByte()
		if !ok {
			p.retries = 0
			continue
		}

		p.retries++
		if p.retries > maxRetransmits {
			if p.onGiveUp != nil {
				p.onGiveUp()
			}
			return
		}
		p.sendOne(seq, by)
	}
}
