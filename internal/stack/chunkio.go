package stack

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/cyfs-io/bdt/internal/bdterr"
	"github.com/cyfs-io/bdt/internal/channel"
	"github.com/cyfs-io/bdt/internal/chunkengine"
	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/packagebox"
)

// netPieceSink emits PieceData frames to one peer over the Stack's UDP
// socket, implementing channel.PieceSink.
type netPieceSink struct {
	s    *Stack
	ep   object.Endpoint
	peer object.ObjectId
}

func (n *netPieceSink) SendPieceData(ctx context.Context, d channel.PieceData) error {
	return n.s.encodeAndSend(n.ep, n.peer, packagebox.CmdPieceData, channel.EncodePieceData(d))
}

// netControlSink emits PieceControl/ChannelEstimate/RespInterest frames
// to one peer, implementing channel.ControlSink.
type netControlSink struct {
	s    *Stack
	ep   object.Endpoint
	peer object.ObjectId
}

func (n *netControlSink) SendPieceControl(ctx context.Context, c channel.PieceControl) error {
	return n.s.encodeAndSend(n.ep, n.peer, packagebox.CmdPieceControl, channel.EncodePieceControl(c))
}

func (n *netControlSink) SendChannelEstimate(ctx context.Context, e channel.ChannelEstimate) error {
	return n.s.encodeAndSend(n.ep, n.peer, packagebox.CmdChannelEstimate, channel.EncodeChannelEstimate(e))
}

func (n *netControlSink) SendRespInterest(ctx context.Context, r channel.RespInterest) error {
	return n.s.encodeAndSend(n.ep, n.peer, packagebox.CmdRespInterest, channel.EncodeRespInterest(r))
}

func pieceCountFor(length, pieceSize uint64) uint32 {
	if length == 0 {
		return 0
	}
	return uint32((length + pieceSize - 1) / pieceSize)
}

func newSessionID() ([16]byte, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Download opens a channel session fetching chunk from peer at ep,
// writing arriving pieces into a fresh chunkengine sink. It sends the
// opening Interest and starts the receiver's ack loop, then returns the
// session immediately; callers poll ReceiverSession.Done or watch the
// sink for completion.
func (s *Stack) Download(ctx context.Context, peer object.ObjectId, ep object.Endpoint, chunk object.ChunkId) (*channel.ReceiverSession, *chunkengine.ChunkSink, error) {
	sessionID, err := newSessionID()
	if err != nil {
		return nil, nil, err
	}

	sink := chunkengine.NewChunkSink(chunk)
	control := &netControlSink{s: s, ep: ep, peer: peer}
	pieceCount := pieceCountFor(chunk.Length, chunkengine.DefaultPieceSize)

	session := channel.NewReceiverSession(sessionID, chunk, pieceCount, sink, control, s.log, s.metrics, s.cfg.ChannelResendInterval, s.cfg.ChannelBlockInterval)

	s.channelMu.Lock()
	s.receivers[sessionID] = session
	s.channelMu.Unlock()

	interest := channel.Interest{SessionID: sessionID, Chunk: chunk, PreferType: channel.PreferRaw}
	if err := s.encodeAndSend(ep, peer, packagebox.CmdInterest, channel.EncodeInterest(interest)); err != nil {
		return nil, nil, fmt.Errorf("stack: failed to send interest: %w", err)
	}

	go session.RunAcks(ctx)
	return session, sink, nil
}

// serveInterest handles an inbound Interest by reading the requested
// chunk out of store and starting a SenderSession driving it back to
// peer at ep, per spec.md §4.8's content-serving side.
func (s *Stack) serveInterest(ctx context.Context, peer object.ObjectId, ep object.Endpoint, interest channel.Interest) {
	data, ok := s.Store.Get(interest.Chunk)
	if !ok {
		_ = s.encodeAndSend(ep, peer, packagebox.CmdRespInterest, channel.EncodeRespInterest(channel.RespInterest{
			SessionID: interest.SessionID,
			Chunk:     interest.Chunk,
			Err:       bdterr.NotFound,
		}))
		return
	}

	source := chunkengine.NewChunkSource(data, chunkengine.DefaultPieceSize)
	sink := &netPieceSink{s: s, ep: ep, peer: peer}
	window := s.NewPieceWindow(uint64(chunkengine.DefaultPieceSize))
	session := channel.NewSenderSession(interest.SessionID, interest.Chunk, source, window, sink, s.log, s.metrics, s.cfg.ChannelPieceInterval)

	s.channelMu.Lock()
	s.senders[interest.SessionID] = session
	s.channelMu.Unlock()

	_ = s.encodeAndSend(ep, peer, packagebox.CmdRespInterest, channel.EncodeRespInterest(channel.RespInterest{
		SessionID: interest.SessionID,
		Chunk:     interest.Chunk,
	}))

	go session.Run(ctx)
}
