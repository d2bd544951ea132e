package bbr

import (
	"math/rand"
	"sync"
	"time"
)

// Mode is a BBR controller phase.
type Mode uint8

const (
	ModeStartup Mode = iota
	ModeDrain
	ModeProbeBw
	ModeProbeRtt
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModeDrain:
		return "drain"
	case ModeProbeBw:
		return "probe_bw"
	case ModeProbeRtt:
		return "probe_rtt"
	default:
		return "unknown"
	}
}

type recoveryState uint8

const (
	recoveryNone recoveryState = iota
	recoveryConservation
	recoveryGrowth
)

func (r recoveryState) inRecovery() bool { return r != recoveryNone }

// Config holds the tunable constants of the controller, defaulted to the
// values named in spec.md §4.9.
type Config struct {
	MinCwndPackets           uint64
	InitCwndPackets          uint64
	ProbeRttTime             time.Duration
	ProbeRttBasedOnBDP       bool
	DrainToTarget            bool
	StartupGrowthTarget      float64
	HighGain                 float64
	DerivedHighCwndGain      float64
	PacingGain               [8]float64
	MinRTTExpireTime         time.Duration
	ProbeRttRateMultiplier   float64
	RoundsWithGrowthBeforeExit uint8
}

// DefaultConfig mirrors the constants in spec.md §4.9.
func DefaultConfig() Config {
	return Config{
		MinCwndPackets:             2,
		InitCwndPackets:            4,
		ProbeRttTime:               200 * time.Millisecond,
		ProbeRttBasedOnBDP:         true,
		DrainToTarget:              true,
		StartupGrowthTarget:        1.25,
		HighGain:                   2.885,
		DerivedHighCwndGain:        2.0,
		PacingGain:                 [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1},
		MinRTTExpireTime:           10 * time.Second,
		ProbeRttRateMultiplier:     0.75,
		RoundsWithGrowthBeforeExit: 3,
	}
}

type ackAggregation struct {
	maxAckHeight       *minMax
	epochStart         time.Time
	epochBytes         uint64
}

func newAckAggregation(now time.Time) *ackAggregation {
	return &ackAggregation{maxAckHeight: newMinMax(10), epochStart: now}
}

func (a *ackAggregation) update(newlyAcked uint64, now time.Time, round uint64, maxBandwidth uint64) uint64 {
	var expected uint64
	if now.After(a.epochStart) {
		expected = maxBandwidth * uint64(now.Sub(a.epochStart)/time.Second)
	}
	if a.epochBytes <= expected {
		a.epochBytes = newlyAcked
		a.epochStart = now
		return 0
	}
	a.epochBytes += newlyAcked
	diff := a.epochBytes - expected
	a.maxAckHeight.updateMax(round, diff)
	return diff
}

// Controller is a per-tunnel BBR congestion controller: acks and losses
// drive its state, and Cwnd()/PacingRate() report the current sending
// budget. Satisfies internal/channel's CongestionWindow interface.
type Controller struct {
	mu sync.Mutex

	config Config
	mss    uint64

	rtt, minRTT time.Duration

	cwnd               uint64
	maxBandwidth       *bandwidthEstimation
	ackedBytes         uint64
	mode               Mode
	lostBytes          uint64
	recovery           recoveryState
	recoveryWindow     uint64
	atFullBandwidth    bool
	lastCycleStart     time.Time
	cycleOffset        int
	prevInFlight       uint64
	exitProbeRttAt     time.Time
	probeRttStartedAt  time.Time
	exitingQuiescence  bool
	pacingRate         uint64
	maxAckedRound      uint64
	maxSentRound       uint64
	endRecoveryRound   uint64
	roundTripEndRound  uint64
	roundCount         uint64
	bwAtLastRound      uint64
	ackAgg             *ackAggregation
	pacingGain         float64
	highGain           float64
	drainGain          float64
	cwndGain           float64
	highCwndGain       float64
	roundsWithoutGain  uint64
}

// NewController builds a controller for a path with the given maximum
// segment size.
func NewController(mss uint64, config Config) *Controller {
	now := time.Now()
	c := &Controller{
		config:       config,
		mss:          mss,
		cwnd:         config.InitCwndPackets * mss,
		maxBandwidth: newBandwidthEstimation(),
		mode:         ModeStartup,
		pacingGain:   config.HighGain,
		highGain:     config.HighGain,
		drainGain:    1.0 / config.HighGain,
		cwndGain:     config.HighGain,
		highCwndGain: config.HighGain,
		ackAgg:       newAckAggregation(now),
	}
	return c
}

// OnSent records bytes handed to the transport at round seq.
func (c *Controller) OnSent(now time.Time, bytes uint64, round uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSentRound = round
	c.maxBandwidth.onSent(now, bytes)
}

// OnEstimate folds in a fresh RTT sample (e.g. from a ChannelEstimate
// round trip), updating min_rtt when it improves or has expired.
func (c *Controller) OnEstimate(now time.Time, rtt time.Duration, appLimited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtt = rtt
	if c.isMinRTTExpired(now, appLimited) || c.minRTT == 0 || c.minRTT > rtt {
		c.minRTT = rtt
	}
}

// OnLoss records bytes detected as lost since the last ack.
func (c *Controller) OnLoss(lost uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostBytes += lost
}

// OnAck folds one ack round into the estimator and phase state machine.
// flight is bytes currently in flight, ack is newly-acked bytes, round
// is the current estimate-round counter (spec.md's est_seq).
func (c *Controller) OnAck(now time.Time, flight, ack uint64, ackedRound uint64, appLimited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxBandwidth.onAck(now, ack, c.roundCount, appLimited)
	c.ackedBytes += ack

	ackInWindow := c.maxBandwidth.bytesAckedThisWindow()
	excessAcked := c.ackAgg.update(ackInWindow, now, c.roundCount, c.maxBandwidth.estimate())
	c.maxBandwidth.endAcks()

	if ackedRound > c.maxAckedRound {
		c.maxAckedRound = ackedRound
	}

	isRoundStart := false
	if ackInWindow > 0 {
		isRoundStart = c.maxAckedRound > c.roundTripEndRound
		if isRoundStart {
			c.roundTripEndRound = c.maxSentRound
			c.roundCount++
		}
	}

	c.updateRecoveryState(isRoundStart)

	if c.mode == ModeProbeBw {
		c.updateGainCyclePhase(now, flight)
	}
	if isRoundStart && !c.atFullBandwidth {
		c.checkFullBandwidthReached(appLimited)
	}

	c.maybeExitStartupOrDrain(now, flight)
	c.maybeEnterOrExitProbeRtt(now, isRoundStart, flight, appLimited)

	c.calculatePacingRate()
	c.calculateCwnd(ackInWindow, excessAcked)
	c.calculateRecoveryWindow(ackInWindow, c.lostBytes, flight)

	c.prevInFlight = flight
	c.lostBytes = 0
}

// Cwnd reports the current congestion window in bytes, satisfying
// internal/channel's CongestionWindow interface in piece units once
// divided by an average piece size by the caller.
func (c *Controller) Cwnd() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.cwndLocked())
}

func (c *Controller) cwndLocked() uint64 {
	switch {
	case c.mode == ModeProbeRtt:
		return c.probeRttCwnd()
	case c.recovery.inRecovery() && c.mode != ModeStartup:
		if c.cwnd < c.recoveryWindow {
			return c.cwnd
		}
		return c.recoveryWindow
	default:
		return c.cwnd
	}
}

// PacingRate reports the current pacing rate in bytes/sec.
func (c *Controller) PacingRate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pacingRate
}

// ModeNow reports the current phase, mainly for diagnostics.
func (c *Controller) ModeNow() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// BandwidthEstimate reports the current max-filtered delivery rate in
// bytes/sec.
func (c *Controller) BandwidthEstimate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBandwidth.estimate()
}

func (c *Controller) enterStartup() {
	c.mode = ModeStartup
	c.pacingGain = c.highGain
	c.cwndGain = c.highCwndGain
}

func (c *Controller) enterProbeBw(now time.Time) {
	c.mode = ModeProbeBw
	c.cwndGain = c.config.DerivedHighCwndGain
	c.lastCycleStart = now

	idx := rand.Intn(len(c.config.PacingGain) - 1)
	if idx >= 1 {
		idx++
	}
	c.cycleOffset = idx
	c.pacingGain = c.config.PacingGain[idx]
}

func (c *Controller) updateRecoveryState(isRoundStart bool) {
	hasLoss := c.lostBytes != 0
	if hasLoss {
		c.endRecoveryRound = c.maxSentRound
	}
	switch {
	case c.recovery == recoveryNone && hasLoss:
		c.recovery = recoveryConservation
		c.recoveryWindow = 0
		c.roundTripEndRound = c.maxSentRound
	case c.recovery == recoveryGrowth || c.recovery == recoveryConservation:
		if c.recovery == recoveryConservation && isRoundStart {
			c.recovery = recoveryGrowth
		}
		if !hasLoss && c.maxAckedRound > c.endRecoveryRound {
			c.recovery = recoveryNone
		}
	}
}

func (c *Controller) updateGainCyclePhase(now time.Time, inFlight uint64) {
	shouldAdvance := !c.lastCycleStart.IsZero() && now.Sub(c.lastCycleStart) > c.minRTT

	if c.pacingGain > 1.0 && c.lostBytes == 0 && c.prevInFlight < c.targetCwnd(c.pacingGain) {
		shouldAdvance = false
	}
	if c.pacingGain < 1.0 && inFlight <= c.targetCwnd(1.0) {
		shouldAdvance = true
	}

	if !shouldAdvance {
		return
	}

	c.cycleOffset = (c.cycleOffset + 1) % len(c.config.PacingGain)
	c.lastCycleStart = now

	next := c.config.PacingGain[c.cycleOffset]
	if c.config.DrainToTarget && c.pacingGain < 1.0 && next == 1.0 && inFlight > c.targetCwnd(1.0) {
		return
	}
	c.pacingGain = next
}

func (c *Controller) maybeExitStartupOrDrain(now time.Time, inFlight uint64) {
	if c.mode == ModeStartup && c.atFullBandwidth {
		c.mode = ModeDrain
		c.pacingGain = c.drainGain
		c.cwndGain = c.highCwndGain
	}
	if c.mode == ModeDrain && inFlight <= c.targetCwnd(1.0) {
		c.enterProbeBw(now)
	}
}

func (c *Controller) isMinRTTExpired(now time.Time, appLimited bool) bool {
	if appLimited {
		return false
	}
	if c.probeRttStartedAt.IsZero() {
		return true
	}
	return now.Sub(c.probeRttStartedAt) > c.config.MinRTTExpireTime
}

func (c *Controller) maybeEnterOrExitProbeRtt(now time.Time, isRoundStart bool, bytesInFlight uint64, appLimited bool) {
	expired := c.isMinRTTExpired(now, appLimited)
	if expired && !c.exitingQuiescence && c.mode != ModeProbeRtt {
		c.mode = ModeProbeRtt
		c.pacingGain = 1.0
		c.exitProbeRttAt = time.Time{}
		c.probeRttStartedAt = now
	}

	if c.mode == ModeProbeRtt {
		if c.exitProbeRttAt.IsZero() {
			if bytesInFlight < c.probeRttCwnd()+c.mss {
				c.exitProbeRttAt = now.Add(c.config.ProbeRttTime)
			}
		} else if isRoundStart && !now.Before(c.exitProbeRttAt) {
			if !c.atFullBandwidth {
				c.enterStartup()
			} else {
				c.enterProbeBw(now)
			}
		}
	}

	c.exitingQuiescence = false
}

func (c *Controller) targetCwnd(gain float64) uint64 {
	bw := c.maxBandwidth.estimate()
	bdp := uint64(c.minRTT.Seconds() * float64(bw))
	cwnd := uint64(gain * float64(bdp))
	if cwnd == 0 {
		return c.config.InitCwndPackets * c.mss
	}
	min := c.config.MinCwndPackets * c.mss
	if cwnd < min {
		return min
	}
	return cwnd
}

func (c *Controller) probeRttCwnd() uint64 {
	if c.config.ProbeRttBasedOnBDP {
		return c.targetCwnd(c.config.ProbeRttRateMultiplier)
	}
	return c.config.MinCwndPackets * c.mss
}

func (c *Controller) calculatePacingRate() {
	bw := c.maxBandwidth.estimate()
	if bw == 0 {
		return
	}
	target := uint64(float64(bw) * c.pacingGain)
	if c.atFullBandwidth {
		c.pacingRate = target
		return
	}
	if c.pacingRate == 0 && c.minRTT > 0 {
		c.pacingRate = bwFromDelta(c.config.InitCwndPackets*c.mss, c.minRTT)
		return
	}
	if c.pacingRate < target {
		c.pacingRate = target
	}
}

func (c *Controller) calculateCwnd(bytesAcked, excessAcked uint64) {
	if c.mode == ModeProbeRtt {
		return
	}
	target := c.targetCwnd(c.cwndGain)
	if c.atFullBandwidth {
		target += c.ackAgg.maxAckHeight.get()
	} else {
		target += excessAcked
	}

	switch {
	case c.atFullBandwidth:
		sum := c.cwnd + bytesAcked
		if sum < target {
			c.cwnd = sum
		} else {
			c.cwnd = target
		}
	case c.cwndGain < float64(target) || c.ackedBytes < c.config.InitCwndPackets*c.mss:
		c.cwnd += bytesAcked
	}

	min := c.config.MinCwndPackets * c.mss
	if c.cwnd < min {
		c.cwnd = min
	}
}

func (c *Controller) calculateRecoveryWindow(bytesAcked, bytesLost, inFlight uint64) {
	if !c.recovery.inRecovery() {
		return
	}
	min := c.config.MinCwndPackets * c.mss

	if c.recoveryWindow == 0 {
		floor := inFlight + bytesAcked
		if floor < min {
			floor = min
		}
		c.recoveryWindow = floor
		return
	}

	if c.recoveryWindow >= bytesLost {
		c.recoveryWindow -= bytesLost
	} else {
		c.recoveryWindow = c.mss
	}
	if c.recovery == recoveryGrowth {
		c.recoveryWindow += bytesAcked
	}

	floor := inFlight + bytesAcked
	if floor < min {
		floor = min
	}
	if c.recoveryWindow < floor {
		c.recoveryWindow = floor
	}
}

func (c *Controller) checkFullBandwidthReached(appLimited bool) {
	if appLimited {
		return
	}
	target := uint64(float64(c.bwAtLastRound) * c.config.StartupGrowthTarget)
	bw := c.maxBandwidth.estimate()
	if bw >= target {
		c.bwAtLastRound = bw
		c.roundsWithoutGain = 0
		c.ackAgg.maxAckHeight.reset()
		return
	}
	c.roundsWithoutGain++
	if c.roundsWithoutGain >= uint64(c.config.RoundsWithGrowthBeforeExit) || c.recovery.inRecovery() {
		c.atFullBandwidth = true
	}
}
