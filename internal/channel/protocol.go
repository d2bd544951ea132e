// Package channel implements the content-carrying channel protocol:
// Interest/RespInterest session setup and PieceData/PieceControl/
// ChannelEstimate delivery, per spec.md §4.8.
package channel

import (
	"github.com/cyfs-io/bdt/internal/bdterr"
	"github.com/cyfs-io/bdt/internal/object"
)

// MaxIndexPayload is the largest lost-index list a single PieceControl
// frame may carry; longer lists are split across multiple frames, per
// spec.md §4.8 and the property test in spec.md §8.
const MaxIndexPayload = 125

// PreferType selects how the sender should encode pieces for a chunk.
type PreferType uint8

const (
	PreferRaw PreferType = iota
	PreferRaptorQ
)

// Interest opens (or resumes) a channel session for a chunk.
type Interest struct {
	SessionID   [16]byte
	Chunk       object.ChunkId
	PreferType  PreferType
	Referer     string
	From        *object.ObjectId
	GroupPath   string
}

// RespInterest answers an Interest: either the transfer proceeds, or err
// explains why it can't (with an optional redirect to a better peer).
type RespInterest struct {
	SessionID        [16]byte
	Chunk            object.ChunkId
	Err              bdterr.Kind
	Redirect         *object.ObjectId
	RedirectReferer  string
	To               *object.ObjectId
}

// PieceDesc locates one piece within a chunk's encoding.
type PieceDesc struct {
	Index uint32
	Range [2]uint32 // byte range [start, end) within the chunk
}

// PieceData carries one encoded piece of chunk content.
type PieceData struct {
	EstSeq    *uint32
	SessionID [16]byte
	Chunk     object.ChunkId
	Desc      PieceDesc
	Bytes     []byte
}

// ControlCmd is the PieceControl command kind.
type ControlCmd uint8

const (
	ControlContinue ControlCmd = iota
	ControlFinish
	ControlPause
	ControlCancel
)

// PieceControl flows receiver -> sender: ack progress (Continue with gaps
// below max_index), or change session lifecycle (Finish/Pause/Cancel).
type PieceControl struct {
	Sequence  uint32
	SessionID [16]byte
	Chunk     object.ChunkId
	Cmd       ControlCmd
	MaxIndex  uint32
	LostIndex []uint32
}

// SplitLostIndex breaks a PieceControl::Continue's lost_index list into
// frames of at most MaxIndexPayload entries each, per spec.md §4.8's
// "split across multiple control frames" requirement.
func SplitLostIndex(base PieceControl) []PieceControl {
	if len(base.LostIndex) <= MaxIndexPayload {
		return []PieceControl{base}
	}
	var frames []PieceControl
	for start := 0; start < len(base.LostIndex); start += MaxIndexPayload {
		end := start + MaxIndexPayload
		if end > len(base.LostIndex) {
			end = len(base.LostIndex)
		}
		frame := base
		frame.LostIndex = append([]uint32(nil), base.LostIndex[start:end]...)
		frames = append(frames, frame)
	}
	return frames
}

// ChannelEstimate reports receive progress (Recved is the count of pieces
// received so far) for a BBR bandwidth estimation round identified by an
// earlier PieceData's est_seq.
type ChannelEstimate struct {
	Sequence uint32
	Recved   uint64
}
