package bbr

import (
	"testing"
	"time"
)

func TestNewControllerStartsInStartupWithInitCwnd(t *testing.T) {
	c := NewController(1200, DefaultConfig())
	if c.ModeNow() != ModeStartup {
		t.Fatalf("expected Startup mode, got %v", c.ModeNow())
	}
	if got, want := c.Cwnd(), uint32(4*1200); got != want {
		t.Fatalf("expected init cwnd %d, got %d", want, got)
	}
}

// driveSteadyLink feeds rounds of sent+ack pairs simulating a stable
// link of the given bytes/sec, returning the final controller.
func driveSteadyLink(t *testing.T, bytesPerSec uint64, rounds int) *Controller {
	t.Helper()
	c := NewController(1200, DefaultConfig())
	now := time.Now()
	rtt := 20 * time.Millisecond
	bytesPerRTT := uint64(float64(bytesPerSec) * rtt.Seconds())

	for i := 0; i < rounds; i++ {
		now = now.Add(rtt)
		c.OnSent(now, bytesPerRTT, uint64(i+1))
		c.OnEstimate(now, rtt, false)
		c.OnAck(now, bytesPerRTT, bytesPerRTT, uint64(i+1), false)
	}
	return c
}

func TestBandwidthEstimateConvergesOnSteadyLink(t *testing.T) {
	const bytesPerSec = 10 * 1024 * 1024 / 8 // 10 Mb/s in bytes/sec, spec.md §8 property 6
	c := driveSteadyLink(t, bytesPerSec, 60)

	got := c.BandwidthEstimate()
	if got == 0 {
		t.Fatal("expected a nonzero bandwidth estimate after sustained acks")
	}

	diff := float64(got) - float64(bytesPerSec)
	if diff < 0 {
		diff = -diff
	}
	if diff/float64(bytesPerSec) > 0.05 {
		t.Fatalf("expected convergence within 5%% of %d B/s, got %d B/s", bytesPerSec, got)
	}
}

func TestControllerReachesFullBandwidthAndExitsStartup(t *testing.T) {
	const bytesPerSec = 5 * 1024 * 1024
	c := driveSteadyLink(t, bytesPerSec, 40)

	if !c.atFullBandwidth {
		t.Fatal("expected controller to declare full bandwidth reached after sustained steady acks")
	}
	if c.ModeNow() == ModeStartup {
		t.Fatal("expected controller to have exited Startup by now")
	}
}

func TestOnLossEntersRecovery(t *testing.T) {
	c := driveSteadyLink(t, 2*1024*1024, 10)

	c.OnLoss(1500)
	c.mu.Lock()
	lost := c.lostBytes
	c.mu.Unlock()
	if lost != 1500 {
		t.Fatalf("expected lost bytes recorded, got %d", lost)
	}

	now := time.Now()
	c.OnAck(now, 10000, 1000, 11, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recovery == recoveryNone {
		t.Fatal("expected recovery state to be entered after a loss")
	}
}

func TestPieceWindowConvertsBytesToPieces(t *testing.T) {
	c := NewController(1200, DefaultConfig())
	pw := NewPieceWindow(c, 1200)

	pieces := pw.Cwnd()
	if pieces != 4 {
		t.Fatalf("expected init cwnd of 4 pieces at piece size == mss, got %d", pieces)
	}
}

func TestPieceWindowNeverReturnsZero(t *testing.T) {
	c := NewController(100, DefaultConfig())
	pw := NewPieceWindow(c, 100000)

	if pieces := pw.Cwnd(); pieces != 1 {
		t.Fatalf("expected floor of 1 piece even when cwnd < pieceSize, got %d", pieces)
	}
}
