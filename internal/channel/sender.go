package channel

import (
	"context"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// ChunkSource exposes a chunk's content split into fixed-size pieces,
// so the sender doesn't need to know about raw-stream vs raptor-Q
// encoding details.
type ChunkSource interface {
	PieceCount() uint32
	ReadPiece(index uint32) ([]byte, PieceDesc, error)
}

// CongestionWindow is the subset of the BBR controller a sender session
// needs: how many in-flight pieces it may currently have outstanding.
type CongestionWindow interface {
	Cwnd() uint32
}

// PieceSink is the transport hook used to emit PieceData frames to the
// remote peer.
type PieceSink interface {
	SendPieceData(ctx context.Context, d PieceData) error
}

// SenderSession drives one outbound chunk transfer: filling a cwnd-sized
// sliding window, emitting a PieceData every piece_interval, and reacting
// to PieceControl feedback from the receiver. Grounded on the teacher's
// ChunkWorkerPool (queue + cancelable workers) generalized from a
// fixed-size-chunk file transfer to arbitrary chunk content.
type SenderSession struct {
	sessionID [16]byte
	chunk     object.ChunkId
	source    ChunkSource
	cwnd      CongestionWindow
	sink      PieceSink
	log       *observability.Logger
	m         *observability.Metrics

	pieceInterval time.Duration

	mu        sync.Mutex
	nextIndex uint32
	inFlight  uint32
	paused    bool
	cancelled bool
	estSeq    uint32
}

// NewSenderSession builds a session for chunk, reading pieces from source
// and pacing emission by cwnd's current window and pieceInterval.
func NewSenderSession(sessionID [16]byte, chunk object.ChunkId, source ChunkSource, cwnd CongestionWindow, sink PieceSink, log *observability.Logger, m *observability.Metrics, pieceInterval time.Duration) *SenderSession {
	return &SenderSession{
		sessionID:     sessionID,
		chunk:         chunk,
		source:        source,
		cwnd:          cwnd,
		sink:          sink,
		log:           log,
		m:             m,
		pieceInterval: pieceInterval,
	}
}

// Run emits pieces at pieceInterval until the chunk is exhausted, the
// session is cancelled, or ctx ends.
func (s *SenderSession) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pieceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isDone() {
				return
			}
			s.fillWindow(ctx)
		}
	}
}

func (s *SenderSession) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled || (s.nextIndex >= s.source.PieceCount() && s.inFlight == 0)
}

func (s *SenderSession) fillWindow(ctx context.Context) {
	s.mu.Lock()
	if s.paused || s.cancelled {
		s.mu.Unlock()
		return
	}
	window := s.cwnd.Cwnd()
	for s.inFlight < window && s.nextIndex < s.source.PieceCount() {
		index := s.nextIndex
		s.nextIndex++
		s.inFlight++
		s.mu.Unlock()
		s.sendPiece(ctx, index)
		s.mu.Lock()
	}
	s.mu.Unlock()
}

func (s *SenderSession) sendPiece(ctx context.Context, index uint32) {
	bytes, desc, err := s.source.ReadPiece(index)
	if err != nil {
		if s.log != nil {
			s.log.Error(err, "channel: failed to read piece for send")
		}
		return
	}

	pd := PieceData{SessionID: s.sessionID, Chunk: s.chunk, Desc: desc, Bytes: bytes}
	if s.dueForEstimate() {
		seq := s.nextEstSeq()
		pd.EstSeq = &seq
	}

	if err := s.sink.SendPieceData(ctx, pd); err != nil && s.log != nil {
		s.log.Error(err, "channel: failed to send piece data")
	}
	if s.m != nil {
		s.m.PiecesSentTotal.Inc()
	}
}

// dueForEstimate decides whether this send should carry an est_seq: it
// reports true whenever nextIndex (already advanced past this piece) is a
// multiple of 8, so every eighth new piece carries one. The cadence is
// fixed and does not follow the window size.
func (s *SenderSession) dueForEstimate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex%8 == 0
}

func (s *SenderSession) nextEstSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estSeq++
	return s.estSeq
}

// OnPieceControl reacts to receiver feedback: Continue triggers
// retransmission of the listed lost indices, Pause/Cancel/Finish change
// session lifecycle, per spec.md §4.8.
func (s *SenderSession) OnPieceControl(ctx context.Context, c PieceControl) {
	switch c.Cmd {
	case ControlContinue:
		s.mu.Lock()
		s.inFlight = decrementFloor(s.inFlight, uint32(len(c.LostIndex)))
		s.mu.Unlock()
		for _, idx := range c.LostIndex {
			s.retransmit(ctx, idx)
		}
		if s.m != nil && len(c.LostIndex) > 0 {
			s.m.RecordPieceRetransmit("lost_index")
		}
	case ControlPause:
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	case ControlCancel:
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	case ControlFinish:
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
	}
}

func decrementFloor(v, delta uint32) uint32 {
	if delta >= v {
		return 0
	}
	return v - delta
}

func (s *SenderSession) retransmit(ctx context.Context, index uint32) {
	bytes, desc, err := s.source.ReadPiece(index)
	if err != nil {
		return
	}
	pd := PieceData{SessionID: s.sessionID, Chunk: s.chunk, Desc: desc, Bytes: bytes}
	if err := s.sink.SendPieceData(ctx, pd); err != nil && s.log != nil {
		s.log.PieceRetransmit(sessionIDString(s.sessionID), 1, err.Error())
	}
}

func sessionIDString(id [16]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
