// Package packagebox implements the PackageBox per-peer envelope: an
// optional Exchange (a sealed session key plus a signature) followed by an
// AES-GCM encrypted payload of one or more concatenated packages, per
// spec.md §4.3.
package packagebox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cyfs-io/bdt/internal/codec"
	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/keystore"
	"github.com/cyfs-io/bdt/internal/object"
)

// CmdCode identifies the protocol message carried by a package. Values are
// assigned in the order spec.md §4.8/§4.9/§9 introduces them.
type CmdCode uint8

const (
	CmdExchange CmdCode = iota + 1
	CmdSnPing
	CmdSnPingResp
	CmdSnCall
	CmdSnCallResp
	CmdSnCalled
	CmdSnCalledResp
	CmdInterest
	CmdRespInterest
	CmdPieceData
	CmdPieceControl
	CmdChannelEstimate
	CmdTunnelProbe
)

// Package is one tagged protocol message plus its encoded body, as packed
// into a PackageBox payload.
type Package struct {
	Cmd  CmdCode
	Body []byte
}

// Exchange carries a sealed session key for a peer that has no confirmed
// key yet, plus a signature over its canonical encoding (spec.md §4.2
// "Signing").
type Exchange struct {
	SealedEncKey []byte
	SealedMixKey []byte
	EphemeralPub [32]byte
	SignerPub    ed25519.PublicKey
	Signature    []byte
}

// encodeCanonical returns the bytes the Exchange signature is computed
// over: everything except the signature itself.
func (e *Exchange) encodeCanonical() []byte {
	w := codec.NewWriter()
	w.PutBytes(e.SealedEncKey)
	w.PutBytes(e.SealedMixKey)
	w.PutRaw(e.EphemeralPub[:])
	w.PutBytes(e.SignerPub)
	return w.Bytes()
}

// Sign signs the Exchange's canonical encoding with priv.
func (e *Exchange) Sign(priv ed25519.PrivateKey) {
	e.Signature = ed25519.Sign(priv, e.encodeCanonical())
}

// Verify checks the Exchange's signature against SignerPub.
func (e *Exchange) Verify() bool {
	return ed25519.Verify(e.SignerPub, e.encodeCanonical(), e.Signature)
}

// ErrNoKey is returned when a box can't be built or opened for lack of a
// usable key.
var ErrNoKey = errors.New("packagebox: no usable key for peer")

// ErrMalformed marks a box that failed to parse: routed to InvalidFormat
// per spec.md §7 and dropped, never surfaced to the caller as fatal.
var ErrMalformed = errors.New("packagebox: malformed box")

// Box is a decoded/pre-encode PackageBox: the target peer, an optional
// Exchange, and the packages it carries.
type Box struct {
	RemoteDeviceId object.ObjectId
	Exchange       *Exchange
	Packages       []Package
}

// EncodeUDP serializes a Box for UDP transmission as
// `[cmd_code:u8 | nonce:12 bytes | length-prefixed AES-GCM ciphertext]`,
// where cmd_code belongs to the first package. No flags word is written.
// Exchange-carrying boxes are identified by that first cmd_code being
// Exchange.
func EncodeUDP(box *Box, key keystore.MixAesKey) ([]byte, error) {
	plain, err := encodePayload(box)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Seal(key.EncKey[:], nonce, nil, plain)
	if err != nil {
		return nil, err
	}

	firstCmd := CmdExchange
	if box.Exchange == nil && len(box.Packages) > 0 {
		firstCmd = box.Packages[0].Cmd
	}

	w := codec.NewWriter()
	w.PutU8(uint8(firstCmd))
	w.PutRaw(nonce)
	if err := w.PutBytes(ciphertext); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeUDP reverses EncodeUDP given the sending peer's key. The packet
// carries no key tag, so the caller must already know which key to use
// (Stack.onDatagram picks it by the sender's endpoint).
func DecodeUDP(buf []byte, key keystore.MixAesKey) (*Box, error) {
	r := codec.NewReader(buf)
	if _, err := r.U8(); err != nil { // first cmd_code, informational only here
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	nonce, err := r.Raw(12)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ciphertext, err := r.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	plain, err := crypto.Open(key.EncKey[:], nonce, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return decodePayload(plain)
}

// EncodeTCP serializes a Box for a TCP/stream framing: a single PackageBox
// is expected per accept, length-prefixed so the receiver can frame it off
// a byte stream.
func EncodeTCP(box *Box, key keystore.MixAesKey) ([]byte, error) {
	udpForm, err := EncodeUDP(box, key)
	if err != nil {
		return nil, err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(udpForm)))
	return append(lenPrefix[:], udpForm...), nil
}

// ReadTCPFrame reads one length-prefixed PackageBox frame from buf,
// returning the frame and the number of bytes consumed.
func ReadTCPFrame(buf []byte) (frame []byte, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, errors.New("packagebox: incomplete length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if len(buf) < 4+int(n) {
		return nil, 0, errors.New("packagebox: incomplete frame")
	}
	return buf[4 : 4+n], 4 + int(n), nil
}

func encodePayload(box *Box) ([]byte, error) {
	w := codec.NewWriter()
	if box.Exchange != nil {
		w.PutU8(uint8(CmdExchange))
		if err := w.PutBytes(box.Exchange.SealedEncKey); err != nil {
			return nil, err
		}
		if err := w.PutBytes(box.Exchange.SealedMixKey); err != nil {
			return nil, err
		}
		w.PutRaw(box.Exchange.EphemeralPub[:])
		if err := w.PutBytes(box.Exchange.SignerPub); err != nil {
			return nil, err
		}
		if err := w.PutBytes(box.Exchange.Signature); err != nil {
			return nil, err
		}
	}
	for _, pkg := range box.Packages {
		w.PutU8(uint8(pkg.Cmd))
		if err := w.PutBytes(pkg.Body); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func decodePayload(plain []byte) (*Box, error) {
	box := &Box{}
	r := codec.NewReader(plain)
	for r.Remaining() > 0 {
		cmd, err := r.U8()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if CmdCode(cmd) == CmdExchange {
			ex := &Exchange{}
			sealedEnc, err := r.Bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			sealedMix, err := r.Bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			ephPub, err := r.Raw(32)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			signerPub, err := r.Bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			sig, err := r.Bytes()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			ex.SealedEncKey = append([]byte(nil), sealedEnc...)
			ex.SealedMixKey = append([]byte(nil), sealedMix...)
			copy(ex.EphemeralPub[:], ephPub)
			ex.SignerPub = append(ed25519.PublicKey(nil), signerPub...)
			ex.Signature = append([]byte(nil), sig...)
			box.Exchange = ex
			continue
		}
		body, err := r.Bytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		box.Packages = append(box.Packages, Package{
			Cmd:  CmdCode(cmd),
			Body: append([]byte(nil), body...),
		})
	}
	return box, nil
}

// IsTunnel, IsSN, IsTCPStream, IsProxy partition packages by command code,
// per spec.md §4.3's routing predicates, so the Stack can dispatch arriving
// boxes to the right manager.
func IsTunnel(cmd CmdCode) bool {
	switch cmd {
	case CmdInterest, CmdRespInterest, CmdPieceData, CmdPieceControl, CmdChannelEstimate, CmdTunnelProbe:
		return true
	default:
		return false
	}
}

func IsSN(cmd CmdCode) bool {
	switch cmd {
	case CmdSnPing, CmdSnPingResp, CmdSnCall, CmdSnCallResp, CmdSnCalled, CmdSnCalledResp:
		return true
	default:
		return false
	}
}

func IsTCPStream(cmd CmdCode) bool {
	return cmd == CmdPieceData || cmd == CmdInterest
}

func IsProxy(cmd CmdCode) bool {
	return cmd == CmdTunnelProbe
}
