package bbr

import "time"

// bandwidthEstimation tracks send and ack byte counters and derives the
// max observed delivery rate via a 10-round minMax filter, per spec.md
// §4.9 "10-round windowed-max BandwidthEstimation".
type bandwidthEstimation struct {
	totalAcked, prevTotalAcked     uint64
	ackedAt, prevAckedAt           time.Time
	totalSent, prevTotalSent       uint64
	sentAt, prevSentAt             time.Time
	ackedAtLastWindow              uint64
	maxFilter                      *minMax
}

func newBandwidthEstimation() *bandwidthEstimation {
	return &bandwidthEstimation{maxFilter: newMinMax(10)}
}

func (b *bandwidthEstimation) onSent(now time.Time, bytes uint64) {
	b.prevTotalSent = b.totalSent
	b.totalSent += bytes
	b.prevSentAt = b.sentAt
	b.sentAt = now
}

func (b *bandwidthEstimation) onAck(now time.Time, bytes uint64, round uint64, appLimited bool) {
	b.prevTotalAcked = b.totalAcked
	b.totalAcked += bytes
	b.prevAckedAt = b.ackedAt
	b.ackedAt = now

	if b.prevSentAt.IsZero() {
		return
	}

	var sendRate uint64 = ^uint64(0)
	if b.sentAt.After(b.prevSentAt) {
		sendRate = bwFromDelta(b.totalSent-b.prevTotalSent, b.sentAt.Sub(b.prevSentAt))
	}

	var ackRate uint64
	if !b.prevAckedAt.IsZero() {
		ackRate = bwFromDelta(b.totalAcked-b.prevTotalAcked, b.ackedAt.Sub(b.prevAckedAt))
	}

	bandwidth := sendRate
	if ackRate < bandwidth {
		bandwidth = ackRate
	}
	if !appLimited && b.maxFilter.get() < bandwidth {
		b.maxFilter.updateMax(round, bandwidth)
	}
}

func (b *bandwidthEstimation) bytesAckedThisWindow() uint64 {
	return b.totalAcked - b.ackedAtLastWindow
}

func (b *bandwidthEstimation) endAcks() {
	b.ackedAtLastWindow = b.totalAcked
}

func (b *bandwidthEstimation) estimate() uint64 {
	return b.maxFilter.get()
}

// bwFromDelta converts a byte count observed over delta into bytes/sec.
func bwFromDelta(bytes uint64, delta time.Duration) uint64 {
	ns := delta.Nanoseconds()
	if ns <= 0 {
		return 0
	}
	return bytes * uint64(time.Second) / uint64(ns)
}
