package channel

import (
	"context"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/bdterr"
	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// ChunkSink is where a receiver session writes arriving piece bytes.
type ChunkSink interface {
	WritePiece(index uint32, desc PieceDesc, data []byte) error
	// BundleHashMatches reports whether the assembled content's hash
	// matches the expected chunk hash, once every piece has arrived.
	BundleHashMatches() bool
}

// ControlSink is the transport hook used to emit PieceControl and
// ChannelEstimate frames back to the sender.
type ControlSink interface {
	SendPieceControl(ctx context.Context, c PieceControl) error
	SendChannelEstimate(ctx context.Context, e ChannelEstimate) error
	SendRespInterest(ctx context.Context, r RespInterest) error
}

// ReceiverSession tracks one inbound chunk transfer: dedups arriving
// pieces via a PieceBitmap, periodically acks progress, and detects
// stalls/completion, per spec.md §4.8.
type ReceiverSession struct {
	sessionID [16]byte
	chunk     object.ChunkId
	bitmap    *PieceBitmap
	sink      ChunkSink
	control   ControlSink
	log       *observability.Logger
	m         *observability.Metrics

	resendInterval time.Duration
	blockInterval  time.Duration

	mu            sync.Mutex
	controlSeq    uint32
	lastProgress  time.Time
	finished      bool
}

// NewReceiverSession builds a session expecting pieceCount pieces for
// chunk, acking gaps every resendInterval and declaring a stall if no
// progress is made for blockInterval.
func NewReceiverSession(sessionID [16]byte, chunk object.ChunkId, pieceCount uint32, sink ChunkSink, control ControlSink, log *observability.Logger, m *observability.Metrics, resendInterval, blockInterval time.Duration) *ReceiverSession {
	return &ReceiverSession{
		sessionID:      sessionID,
		chunk:          chunk,
		bitmap:         NewPieceBitmap(pieceCount),
		sink:           sink,
		control:        control,
		log:            log,
		m:              m,
		resendInterval: resendInterval,
		blockInterval:  blockInterval,
		lastProgress:   time.Now(),
	}
}

// OnPieceData handles one arriving PieceData frame: writes fresh pieces
// to the sink, drops duplicates, replies to a carried est_seq, and
// detects completion.
func (r *ReceiverSession) OnPieceData(ctx context.Context, pd PieceData) {
	fresh, err := r.bitmap.Set(pd.Desc.Index)
	if err != nil {
		if r.log != nil {
			r.log.Error(err, "channel: piece index out of range")
		}
		return
	}
	if !fresh {
		return // duplicate, per spec.md §4.8 "drop duplicates"
	}

	if err := r.sink.WritePiece(pd.Desc.Index, pd.Desc, pd.Bytes); err != nil {
		if r.log != nil {
			r.log.Error(err, "channel: failed to write piece")
		}
		return
	}

	r.mu.Lock()
	r.lastProgress = time.Now()
	r.mu.Unlock()

	if r.m != nil {
		r.m.PiecesReceivedTotal.Inc()
	}

	if pd.EstSeq != nil {
		received, _ := r.bitmap.Progress()
		_ = r.control.SendChannelEstimate(ctx, ChannelEstimate{Sequence: *pd.EstSeq, Recved: uint64(received)})
	}

	if r.bitmap.Complete() {
		r.finishIfMatch(ctx)
	}
}

func (r *ReceiverSession) finishIfMatch(ctx context.Context) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.sink.BundleHashMatches() {
		if r.log != nil {
			r.log.Warn("channel: bundle hash mismatch at completion")
		}
		return
	}

	r.mu.Lock()
	r.finished = true
	seq := r.nextSeqLocked()
	r.mu.Unlock()

	_ = r.control.SendPieceControl(ctx, PieceControl{
		Sequence:  seq,
		SessionID: r.sessionID,
		Chunk:     r.chunk,
		Cmd:       ControlFinish,
	})
}

func (r *ReceiverSession) nextSeqLocked() uint32 {
	r.controlSeq++
	return r.controlSeq
}

// RunAcks periodically emits PieceControl::Continue frames enumerating
// gaps below the highest-received index, splitting across multiple
// frames when the gap list exceeds MaxIndexPayload, per spec.md §4.8.
// Also detects a stall: no progress for blockInterval surfaces
// RespInterest{err=Timeout}.
func (r *ReceiverSession) RunAcks(ctx context.Context) {
	ticker := time.NewTicker(r.resendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.isFinished() {
				return
			}
			r.ackRound(ctx)
			if r.stalled() {
				r.reportTimeout(ctx)
				return
			}
		}
	}
}

// Done reports whether the transfer has completed with a matching bundle
// hash, equivalent to a Finish control frame having been sent.
func (r *ReceiverSession) Done() bool {
	return r.isFinished()
}

func (r *ReceiverSession) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *ReceiverSession) ackRound(ctx context.Context) {
	highest, ok := r.bitmap.HighestReceived()
	if !ok {
		return
	}
	missing := r.bitmap.MissingBelow(highest)
	if len(missing) == 0 {
		return
	}

	r.mu.Lock()
	seq := r.nextSeqLocked()
	r.mu.Unlock()

	base := PieceControl{
		Sequence:  seq,
		SessionID: r.sessionID,
		Chunk:     r.chunk,
		Cmd:       ControlContinue,
		MaxIndex:  highest,
		LostIndex: missing,
	}
	for _, frame := range SplitLostIndex(base) {
		_ = r.control.SendPieceControl(ctx, frame)
	}
}

func (r *ReceiverSession) stalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastProgress) > r.blockInterval
}

func (r *ReceiverSession) reportTimeout(ctx context.Context) {
	_ = r.control.SendRespInterest(ctx, RespInterest{
		SessionID: r.sessionID,
		Chunk:     r.chunk,
		Err:       bdterr.Timeout,
	})
}
