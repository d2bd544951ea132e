// Package object implements the CYFS named-object model: content-addressed
// descriptors with optional mutable bodies, and the standard object
// variants used by the BDT/NDN core (Device, File, Group, Chunk).
package object

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// ObjectId is a content hash of an object's desc encoding: H(desc).
// 32 bytes, BLAKE3.
type ObjectId [32]byte

// String renders the id as a hex string, as used in logs.
func (id ObjectId) String() string {
	return fmt.Sprintf("%x", id[:])
}

// IsZero reports whether id is the zero value (no object).
func (id ObjectId) IsZero() bool {
	return id == ObjectId{}
}

// HashDesc computes an ObjectId from a desc encoding.
func HashDesc(desc []byte) ObjectId {
	sum := blake3.Sum256(desc)
	return ObjectId(sum)
}

// ObjectType distinguishes the standard object variants.
type ObjectType uint8

const (
	ObjectTypeDevice ObjectType = iota + 1
	ObjectTypePeople
	ObjectTypeGroup
	ObjectTypeFile
	ObjectTypeDir
	ObjectTypeChunk
	ObjectTypeObjectMap
	ObjectTypeCore // opaque Core/DECApp blob
)

// Any is a typeless wrapper carrying an object's type tag alongside its raw
// desc/body encodings, used when the concrete variant is not known ahead of
// decode time (graph edges that only carry an ObjectId resolve to this).
type Any struct {
	Type ObjectType
	Desc []byte
	Body []byte
}

// Id returns the ObjectId of the wrapped desc.
func (a *Any) Id() ObjectId {
	return HashDesc(a.Desc)
}

// Endpoint is one (protocol, address) pair in a Device's endpoint list.
type Endpoint struct {
	Protocol string // "udp" | "tcp"
	Addr     string // host:port
}

// DeviceDesc is the immutable identity portion of a Device object.
type DeviceDesc struct {
	UniqueId [16]byte
}

// DeviceBody is the mutable portion of a Device object.
type DeviceBody struct {
	Endpoints     []Endpoint
	SNList        []ObjectId
	PassivePNList []ObjectId
	Name          string
	BDTVersion    string
}

// Device is a CYFS peer identity: endpoints, known SN and PN lists.
// device_id = H(desc); two Devices only merge when their ids match.
type Device struct {
	Desc DeviceDesc
	Body DeviceBody

	PublicKey ed25519.PublicKey
}

// Id computes the DeviceId, which is ObjectId(H(desc)).
func (d *Device) Id() ObjectId {
	return HashDesc(encodeDeviceDesc(&d.Desc))
}

// Equal reports whether two Devices refer to the same identity, per the
// merge invariant: ids match iff descs match.
func (d *Device) Equal(other *Device) bool {
	return d.Id() == other.Id()
}

func encodeDeviceDesc(desc *DeviceDesc) []byte {
	buf := make([]byte, 16)
	copy(buf, desc.UniqueId[:])
	return buf
}

// ChunkId is a content-addressed identifier for a byte range: the 32-byte
// BLAKE3 hash of its content plus the chunk's length.
type ChunkId struct {
	Hash   [32]byte
	Length uint64
}

// NewChunkId hashes data with BLAKE3 and records its length.
func NewChunkId(data []byte) ChunkId {
	return ChunkId{Hash: blake3.Sum256(data), Length: uint64(len(data))}
}

// Bytes returns the id's canonical wire encoding: hash || length(BE u64).
func (c ChunkId) Bytes() []byte {
	out := make([]byte, 40)
	copy(out, c.Hash[:])
	binary.BigEndian.PutUint64(out[32:], c.Length)
	return out
}

func (c ChunkId) String() string {
	return fmt.Sprintf("%x:%d", c.Hash[:8], c.Length)
}

// ChunkListKind selects how a File's body stores its chunk list.
type ChunkListKind uint8

const (
	// ChunkInList stores an explicit ordered sequence of ChunkIds.
	ChunkInList ChunkListKind = iota
	// ChunkInFile points at another File object holding the chunk list.
	ChunkInFile
	// ChunkInBundle stores chunks plus a hash_method describing how the
	// bundle hash is derived from the member chunk ids.
	ChunkInBundle
)

// HashMethod selects how a ChunkInBundle body's hash is derived.
type HashMethod uint8

// Serial is the only supported hash method: hash = blake3(concat(chunk ids)).
const Serial HashMethod = 0

// ChunkList is the tagged chunk-list body of a File object.
type ChunkList struct {
	Kind HashMethod
	List ChunkListKind

	Chunks     []ChunkId // ChunkInList, ChunkInBundle
	FileId     ObjectId  // ChunkInFile
	HashMethod HashMethod
}

// FileDesc is the immutable identity portion of a File object.
type FileDesc struct {
	Len  uint64
	Hash [32]byte // H256 over the full file content
}

// FileBody is the mutable portion of a File object.
type FileBody struct {
	ChunkList ChunkList
}

// File is a CYFS object naming a byte sequence built from chunks.
type File struct {
	Desc FileDesc
	Body FileBody
}

// Id computes the FileId.
func (f *File) Id() ObjectId {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[:8], f.Desc.Len)
	copy(buf[8:], f.Desc.Hash[:])
	return HashDesc(buf)
}

// BundleHash computes the Serial-method hash of an ordered chunk sequence:
// blake3(concat(chunk_id_bytes)). The result is deterministic for a given
// sequence; appending or reordering chunks changes it.
func BundleHash(chunks []ChunkId) [32]byte {
	h := blake3.New()
	for _, c := range chunks {
		h.Write(c.Bytes())
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewChunkInBundle builds a ChunkInBundle chunk list and its derived hash,
// per the Serial bundle invariant in spec.md §3 and §8.
func NewChunkInBundle(chunks []ChunkId) (ChunkList, [32]byte, uint64) {
	hash := BundleHash(chunks)
	var total uint64
	for _, c := range chunks {
		total += c.Length
	}
	return ChunkList{
		List:       ChunkInBundle,
		Chunks:     chunks,
		HashMethod: Serial,
	}, hash, total
}

// GroupMember is one entry in a Group's membership map.
type GroupMember struct {
	DeviceId ObjectId
	Title    string
}

// GroupBody is the common versioned body shared by Group/Org/SimpleGroup.
type GroupBody struct {
	Name        string
	Icon        string
	Description string
	Members     []GroupMember // DeviceId -> title
	OODList     []ObjectId    // sorted set of DeviceId
	Version     uint64
	PrevShellId ObjectId // zero if first shell
}

// Group is a versioned membership object. Lifecycle advances by a monotone
// Version; PrevShellId chains historical shells.
type Group struct {
	Body GroupBody
}

// Validate checks that the OOD list is sorted. It does not check the
// version against earlier shells.
func (g *Group) Validate() error {
	if !sort.SliceIsSorted(g.OODListBytes(), func(i, j int) bool {
		return string(g.OODListBytes()[i]) < string(g.OODListBytes()[j])
	}) {
		return errors.New("object: group ood_list is not sorted")
	}
	return nil
}

// OODListBytes exposes OODList entries as raw bytes for sort comparisons.
func (g *Group) OODListBytes() [][]byte {
	out := make([][]byte, len(g.Body.OODList))
	for i, id := range g.Body.OODList {
		b := make([]byte, 32)
		copy(b, id[:])
		out[i] = b
	}
	return out
}

// Chunk is a standard object variant wrapping a single content-addressed
// byte range, as opposed to File which names a composed sequence.
type Chunk struct {
	Id   ChunkId
	Data []byte
}

// NewChunk builds a Chunk object from raw bytes, deriving its ChunkId.
func NewChunk(data []byte) *Chunk {
	return &Chunk{Id: NewChunkId(data), Data: data}
}

// ObjectMapEntry is one path -> ObjectId mapping entry.
type ObjectMapEntry struct {
	Path string
	Id   ObjectId
}

// ObjectMap is a standard object variant representing a directory-like set
// of named object references, addressed by path.
type ObjectMap struct {
	Entries []ObjectMapEntry
}

// Get resolves a path within the map, or the zero id and false.
func (m *ObjectMap) Get(path string) (ObjectId, bool) {
	for _, e := range m.Entries {
		if e.Path == path {
			return e.Id, true
		}
	}
	return ObjectId{}, false
}
