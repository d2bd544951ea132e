package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/bdterr"
	"github.com/cyfs-io/bdt/internal/object"
)

func TestSplitLostIndexRespectsMaxIndexPayload(t *testing.T) {
	lost := make([]uint32, 300)
	for i := range lost {
		lost[i] = uint32(i)
	}
	base := PieceControl{Cmd: ControlContinue, LostIndex: lost}

	frames := SplitLostIndex(base)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames for 300 entries at cap 125, got %d", len(frames))
	}
	total := 0
	for _, f := range frames {
		if len(f.LostIndex) > MaxIndexPayload {
			t.Fatalf("frame exceeded MaxIndexPayload: %d", len(f.LostIndex))
		}
		total += len(f.LostIndex)
	}
	if total != 300 {
		t.Fatalf("expected all 300 entries preserved across frames, got %d", total)
	}
}

func TestSplitLostIndexSingleFrameWhenSmall(t *testing.T) {
	base := PieceControl{Cmd: ControlContinue, LostIndex: []uint32{1, 2, 3}}
	frames := SplitLostIndex(base)
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %d", len(frames))
	}
}

func TestPieceBitmapDedupAndMissing(t *testing.T) {
	bm := NewPieceBitmap(10)

	fresh, err := bm.Set(3)
	if err != nil || !fresh {
		t.Fatalf("expected fresh set, got fresh=%v err=%v", fresh, err)
	}
	fresh, err = bm.Set(3)
	if err != nil || fresh {
		t.Fatalf("expected duplicate set to report not-fresh, got fresh=%v err=%v", fresh, err)
	}

	missing := bm.MissingBelow(4)
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing indices below 4, got %+v", missing)
	}
}

func TestPieceBitmapCompleteAndOutOfRange(t *testing.T) {
	bm := NewPieceBitmap(2)
	if _, err := bm.Set(0); err != nil {
		t.Fatal(err)
	}
	if bm.Complete() {
		t.Fatal("expected not complete after one of two pieces")
	}
	if _, err := bm.Set(1); err != nil {
		t.Fatal(err)
	}
	if !bm.Complete() {
		t.Fatal("expected complete after both pieces set")
	}
	if _, err := bm.Set(5); err == nil {
		t.Fatal("expected out-of-range index to error")
	}
}

type fakeChunkSource struct {
	pieces [][]byte
}

func (f *fakeChunkSource) PieceCount() uint32 { return uint32(len(f.pieces)) }
func (f *fakeChunkSource) ReadPiece(index uint32) ([]byte, PieceDesc, error) {
	return f.pieces[index], PieceDesc{Index: index}, nil
}

type fixedCwnd struct{ n uint32 }

func (c fixedCwnd) Cwnd() uint32 { return c.n }

type fakeSink struct {
	mu  sync.Mutex
	out []PieceData
}

func (f *fakeSink) SendPieceData(ctx context.Context, d PieceData) error {
	f.mu.Lock()
	f.out = append(f.out, d)
	f.mu.Unlock()
	return nil
}

func TestSenderSessionFillsWindowUpToCwnd(t *testing.T) {
	source := &fakeChunkSource{pieces: [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}}
	sink := &fakeSink{}
	session := NewSenderSession([16]byte{1}, object.ChunkId{}, source, fixedCwnd{n: 2}, sink, nil, nil, time.Hour)

	session.fillWindow(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.out) != 2 {
		t.Fatalf("expected exactly cwnd=2 pieces sent, got %d", len(sink.out))
	}
}

func TestSenderSessionRetransmitsOnContinue(t *testing.T) {
	source := &fakeChunkSource{pieces: [][]byte{[]byte("a"), []byte("b")}}
	sink := &fakeSink{}
	session := NewSenderSession([16]byte{1}, object.ChunkId{}, source, fixedCwnd{n: 2}, sink, nil, nil, time.Hour)
	session.fillWindow(context.Background())

	sink.mu.Lock()
	sink.out = nil
	sink.mu.Unlock()

	session.OnPieceControl(context.Background(), PieceControl{Cmd: ControlContinue, LostIndex: []uint32{0}})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.out) != 1 || sink.out[0].Desc.Index != 0 {
		t.Fatalf("expected a retransmit of index 0, got %+v", sink.out)
	}
}

func TestSenderSessionCancelStopsFurtherSends(t *testing.T) {
	source := &fakeChunkSource{pieces: [][]byte{[]byte("a"), []byte("b")}}
	sink := &fakeSink{}
	session := NewSenderSession([16]byte{1}, object.ChunkId{}, source, fixedCwnd{n: 2}, sink, nil, nil, time.Hour)

	session.OnPieceControl(context.Background(), PieceControl{Cmd: ControlCancel})
	session.fillWindow(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.out) != 0 {
		t.Fatalf("expected no sends after cancel, got %d", len(sink.out))
	}
}

type fakeChunkSink struct {
	mu      sync.Mutex
	written map[uint32][]byte
	matches bool
}

func newFakeChunkSink(matches bool) *fakeChunkSink {
	return &fakeChunkSink{written: make(map[uint32][]byte), matches: matches}
}

func (f *fakeChunkSink) WritePiece(index uint32, desc PieceDesc, data []byte) error {
	f.mu.Lock()
	f.written[index] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeChunkSink) BundleHashMatches() bool { return f.matches }

type fakeControlSink struct {
	mu        sync.Mutex
	controls  []PieceControl
	estimates []ChannelEstimate
	resps     []RespInterest
}

func (f *fakeControlSink) SendPieceControl(ctx context.Context, c PieceControl) error {
	f.mu.Lock()
	f.controls = append(f.controls, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeControlSink) SendChannelEstimate(ctx context.Context, e ChannelEstimate) error {
	f.mu.Lock()
	f.estimates = append(f.estimates, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeControlSink) SendRespInterest(ctx context.Context, r RespInterest) error {
	f.mu.Lock()
	f.resps = append(f.resps, r)
	f.mu.Unlock()
	return nil
}

func TestReceiverSessionDropsDuplicatePieces(t *testing.T) {
	sink := newFakeChunkSink(true)
	control := &fakeControlSink{}
	session := NewReceiverSession([16]byte{1}, object.ChunkId{}, 2, sink, control, nil, nil, time.Hour, time.Hour)

	session.OnPieceData(context.Background(), PieceData{Desc: PieceDesc{Index: 0}, Bytes: []byte("x")})
	session.OnPieceData(context.Background(), PieceData{Desc: PieceDesc{Index: 0}, Bytes: []byte("x")})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.written) != 1 {
		t.Fatalf("expected duplicate piece to be dropped, wrote %d entries", len(sink.written))
	}
}

func TestReceiverSessionFinishesOnCompleteMatchingBundle(t *testing.T) {
	sink := newFakeChunkSink(true)
	control := &fakeControlSink{}
	session := NewReceiverSession([16]byte{1}, object.ChunkId{}, 2, sink, control, nil, nil, time.Hour, time.Hour)

	session.OnPieceData(context.Background(), PieceData{Desc: PieceDesc{Index: 0}, Bytes: []byte("x")})
	session.OnPieceData(context.Background(), PieceData{Desc: PieceDesc{Index: 1}, Bytes: []byte("y")})

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.controls) != 1 || control.controls[0].Cmd != ControlFinish {
		t.Fatalf("expected a Finish control frame, got %+v", control.controls)
	}
}

func TestReceiverSessionEstSeqTriggersChannelEstimate(t *testing.T) {
	sink := newFakeChunkSink(true)
	control := &fakeControlSink{}
	session := NewReceiverSession([16]byte{1}, object.ChunkId{}, 5, sink, control, nil, nil, time.Hour, time.Hour)

	seq := uint32(42)
	session.OnPieceData(context.Background(), PieceData{EstSeq: &seq, Desc: PieceDesc{Index: 0}, Bytes: []byte("x")})

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.estimates) != 1 || control.estimates[0].Sequence != 42 {
		t.Fatalf("expected a ChannelEstimate echoing seq 42, got %+v", control.estimates)
	}
}

func TestReceiverSessionStallReportsTimeout(t *testing.T) {
	sink := newFakeChunkSink(true)
	control := &fakeControlSink{}
	session := NewReceiverSession([16]byte{1}, object.ChunkId{}, 3, sink, control, nil, nil,5*time.Millisecond, 10*time.Millisecond)

	session.OnPieceData(context.Background(), PieceData{Desc: PieceDesc{Index: 0}, Bytes: []byte("x")})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	session.RunAcks(ctx)

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.resps) != 1 || control.resps[0].Err != bdterr.Timeout {
		t.Fatalf("expected a Timeout RespInterest after stalling, got %+v", control.resps)
	}
}
