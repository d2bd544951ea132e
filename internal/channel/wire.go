package channel

import (
	"github.com/cyfs-io/bdt/internal/bdterr"
	"github.com/cyfs-io/bdt/internal/codec"
	"github.com/cyfs-io/bdt/internal/object"
)

func encodeChunkId(w *codec.Writer, c object.ChunkId) {
	w.PutRaw(c.Hash[:])
	w.PutU64(c.Length)
}

func decodeChunkId(r *codec.Reader) (object.ChunkId, error) {
	hash, err := r.Raw(32)
	if err != nil {
		return object.ChunkId{}, err
	}
	length, err := r.U64()
	if err != nil {
		return object.ChunkId{}, err
	}
	var c object.ChunkId
	copy(c.Hash[:], hash)
	c.Length = length
	return c, nil
}

func encodeSessionID(w *codec.Writer, id [16]byte) { w.PutRaw(id[:]) }

func decodeSessionID(r *codec.Reader) ([16]byte, error) {
	raw, err := r.Raw(16)
	if err != nil {
		return [16]byte{}, err
	}
	var id [16]byte
	copy(id[:], raw)
	return id, nil
}

// EncodeInterest serializes an Interest frame for transport over a Box.
func EncodeInterest(i Interest) []byte {
	w := codec.NewWriter()
	encodeSessionID(w, i.SessionID)
	encodeChunkId(w, i.Chunk)
	w.PutU8(uint8(i.PreferType))
	_ = w.PutBytes([]byte(i.Referer))
	if i.From != nil {
		w.PutU8(1)
		w.PutRaw(i.From[:])
	} else {
		w.PutU8(0)
	}
	_ = w.PutBytes([]byte(i.GroupPath))
	return w.Bytes()
}

// DecodeInterest parses an Interest frame.
func DecodeInterest(buf []byte) (Interest, error) {
	r := codec.NewReader(buf)
	var i Interest
	sid, err := decodeSessionID(r)
	if err != nil {
		return i, err
	}
	chunk, err := decodeChunkId(r)
	if err != nil {
		return i, err
	}
	prefer, err := r.U8()
	if err != nil {
		return i, err
	}
	referer, err := r.Bytes()
	if err != nil {
		return i, err
	}
	hasFrom, err := r.U8()
	if err != nil {
		return i, err
	}
	var from *object.ObjectId
	if hasFrom == 1 {
		raw, err := r.Raw(32)
		if err != nil {
			return i, err
		}
		var id object.ObjectId
		copy(id[:], raw)
		from = &id
	}
	groupPath, err := r.Bytes()
	if err != nil {
		return i, err
	}
	i = Interest{
		SessionID:  sid,
		Chunk:      chunk,
		PreferType: PreferType(prefer),
		Referer:    string(referer),
		From:       from,
		GroupPath:  string(groupPath),
	}
	return i, nil
}

// EncodeRespInterest serializes a RespInterest frame.
func EncodeRespInterest(r RespInterest) []byte {
	w := codec.NewWriter()
	encodeSessionID(w, r.SessionID)
	encodeChunkId(w, r.Chunk)
	w.PutU8(uint8(r.Err))
	if r.Redirect != nil {
		w.PutU8(1)
		w.PutRaw(r.Redirect[:])
		_ = w.PutBytes([]byte(r.RedirectReferer))
	} else {
		w.PutU8(0)
	}
	if r.To != nil {
		w.PutU8(1)
		w.PutRaw(r.To[:])
	} else {
		w.PutU8(0)
	}
	return w.Bytes()
}

// DecodeRespInterest parses a RespInterest frame.
func DecodeRespInterest(buf []byte) (RespInterest, error) {
	r := codec.NewReader(buf)
	var out RespInterest
	sid, err := decodeSessionID(r)
	if err != nil {
		return out, err
	}
	chunk, err := decodeChunkId(r)
	if err != nil {
		return out, err
	}
	errKind, err := r.U8()
	if err != nil {
		return out, err
	}
	out.SessionID = sid
	out.Chunk = chunk
	out.Err = bdterr.Kind(errKind)

	hasRedirect, err := r.U8()
	if err != nil {
		return out, err
	}
	if hasRedirect == 1 {
		raw, err := r.Raw(32)
		if err != nil {
			return out, err
		}
		var id object.ObjectId
		copy(id[:], raw)
		out.Redirect = &id
		referer, err := r.Bytes()
		if err != nil {
			return out, err
		}
		out.RedirectReferer = string(referer)
	}
	hasTo, err := r.U8()
	if err != nil {
		return out, err
	}
	if hasTo == 1 {
		raw, err := r.Raw(32)
		if err != nil {
			return out, err
		}
		var id object.ObjectId
		copy(id[:], raw)
		out.To = &id
	}
	return out, nil
}

// EncodePieceData serializes a PieceData frame.
func EncodePieceData(p PieceData) []byte {
	w := codec.NewWriter()
	if p.EstSeq != nil {
		w.PutU8(1)
		w.PutU32(*p.EstSeq)
	} else {
		w.PutU8(0)
	}
	encodeSessionID(w, p.SessionID)
	encodeChunkId(w, p.Chunk)
	w.PutU32(p.Desc.Index)
	w.PutU32(p.Desc.Range[0])
	w.PutU32(p.Desc.Range[1])
	_ = w.PutBytes(p.Bytes)
	return w.Bytes()
}

// DecodePieceData parses a PieceData frame.
func DecodePieceData(buf []byte) (PieceData, error) {
	r := codec.NewReader(buf)
	var p PieceData
	hasEst, err := r.U8()
	if err != nil {
		return p, err
	}
	if hasEst == 1 {
		v, err := r.U32()
		if err != nil {
			return p, err
		}
		p.EstSeq = &v
	}
	sid, err := decodeSessionID(r)
	if err != nil {
		return p, err
	}
	chunk, err := decodeChunkId(r)
	if err != nil {
		return p, err
	}
	index, err := r.U32()
	if err != nil {
		return p, err
	}
	start, err := r.U32()
	if err != nil {
		return p, err
	}
	end, err := r.U32()
	if err != nil {
		return p, err
	}
	data, err := r.Bytes()
	if err != nil {
		return p, err
	}
	p.SessionID = sid
	p.Chunk = chunk
	p.Desc = PieceDesc{Index: index, Range: [2]uint32{start, end}}
	p.Bytes = data
	return p, nil
}

// EncodePieceControl serializes a PieceControl frame.
func EncodePieceControl(c PieceControl) []byte {
	w := codec.NewWriter()
	w.PutU32(c.Sequence)
	encodeSessionID(w, c.SessionID)
	encodeChunkId(w, c.Chunk)
	w.PutU8(uint8(c.Cmd))
	w.PutU32(c.MaxIndex)
	w.PutCount(len(c.LostIndex))
	for _, idx := range c.LostIndex {
		w.PutU32(idx)
	}
	return w.Bytes()
}

// DecodePieceControl parses a PieceControl frame.
func DecodePieceControl(buf []byte) (PieceControl, error) {
	r := codec.NewReader(buf)
	var c PieceControl
	seq, err := r.U32()
	if err != nil {
		return c, err
	}
	sid, err := decodeSessionID(r)
	if err != nil {
		return c, err
	}
	chunk, err := decodeChunkId(r)
	if err != nil {
		return c, err
	}
	cmd, err := r.U8()
	if err != nil {
		return c, err
	}
	maxIndex, err := r.U32()
	if err != nil {
		return c, err
	}
	count, err := r.Count()
	if err != nil {
		return c, err
	}
	lost := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		v, err := r.U32()
		if err != nil {
			return c, err
		}
		lost = append(lost, v)
	}
	c = PieceControl{
		Sequence:  seq,
		SessionID: sid,
		Chunk:     chunk,
		Cmd:       ControlCmd(cmd),
		MaxIndex:  maxIndex,
		LostIndex: lost,
	}
	return c, nil
}

// EncodeChannelEstimate serializes a ChannelEstimate frame.
func EncodeChannelEstimate(e ChannelEstimate) []byte {
	w := codec.NewWriter()
	w.PutU32(e.Sequence)
	w.PutU64(e.Recved)
	return w.Bytes()
}

// DecodeChannelEstimate parses a ChannelEstimate frame.
func DecodeChannelEstimate(buf []byte) (ChannelEstimate, error) {
	r := codec.NewReader(buf)
	seq, err := r.U32()
	if err != nil {
		return ChannelEstimate{}, err
	}
	recved, err := r.U64()
	if err != nil {
		return ChannelEstimate{}, err
	}
	return ChannelEstimate{Sequence: seq, Recved: recved}, nil
}
