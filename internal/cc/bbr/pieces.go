package bbr

// PieceWindow adapts a byte-denominated Controller to internal/channel's
// CongestionWindow interface, which counts pieces rather than bytes.
type PieceWindow struct {
	ctrl      *Controller
	pieceSize uint64
}

// NewPieceWindow wraps ctrl, converting its byte cwnd into a piece count
// assuming a fixed pieceSize.
func NewPieceWindow(ctrl *Controller, pieceSize uint64) *PieceWindow {
	if pieceSize == 0 {
		pieceSize = 1
	}
	return &PieceWindow{ctrl: ctrl, pieceSize: pieceSize}
}

// Cwnd reports how many in-flight pieces the controller currently
// permits.
func (p *PieceWindow) Cwnd() uint32 {
	bytes := p.ctrl.Cwnd()
	pieces := uint64(bytes) / p.pieceSize
	if pieces == 0 {
		pieces = 1
	}
	return uint32(pieces)
}
