package codec

import (
	"reflect"
	"testing"

	"github.com/cyfs-io/bdt/internal/object"
)

func TestDeviceBodyRoundTrip(t *testing.T) {
	sn := object.ObjectId{1, 2, 3}
	pn := object.ObjectId{9, 9, 9}
	body := &object.DeviceBody{
		Endpoints: []object.Endpoint{
			{Protocol: "udp", Addr: "203.0.113.5:4000"},
			{Protocol: "tcp", Addr: "203.0.113.5:4001"},
		},
		SNList:        []object.ObjectId{sn},
		PassivePNList: []object.ObjectId{pn},
		Name:          "node-a",
		BDTVersion:    "1.0",
	}

	got, err := UnmarshalDeviceBody(MarshalDeviceBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, body)
	}
}

func TestDeviceBodyUnmarshalSkipsUnknownFields(t *testing.T) {
	body := &object.DeviceBody{Name: "node-b"}
	data := MarshalDeviceBody(body)

	// Append a field number this package doesn't define; a forward-
	// compatible decoder should ignore it rather than error.
	data = appendUnknownVarintField(data, 99, 7)

	got, err := UnmarshalDeviceBody(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "node-b" {
		t.Fatalf("expected name preserved past unknown field, got %q", got.Name)
	}
}

func TestFileBodyRoundTrip(t *testing.T) {
	chunks := []object.ChunkId{
		object.NewChunkId([]byte("chunk-one")),
		object.NewChunkId([]byte("chunk-two")),
	}
	body := &object.FileBody{
		ChunkList: object.ChunkList{
			List:   object.ChunkInList,
			Chunks: chunks,
		},
	}

	got, err := UnmarshalFileBody(MarshalFileBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, body)
	}
}

func TestFileBodyBundleRoundTrip(t *testing.T) {
	chunks := []object.ChunkId{
		object.NewChunkId([]byte("a")),
		object.NewChunkId([]byte("b")),
	}
	cl, _, _ := object.NewChunkInBundle(chunks)
	body := &object.FileBody{ChunkList: cl}

	got, err := UnmarshalFileBody(MarshalFileBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if got.ChunkList.List != object.ChunkInBundle || got.ChunkList.HashMethod != object.Serial {
		t.Fatalf("bundle chunk list metadata lost: %+v", got.ChunkList)
	}
	if len(got.ChunkList.Chunks) != len(chunks) {
		t.Fatalf("expected %d chunks, got %d", len(chunks), len(got.ChunkList.Chunks))
	}
}

func TestGroupBodyRoundTrip(t *testing.T) {
	dev := object.ObjectId{4, 4, 4}
	body := &object.GroupBody{
		Name:        "friends",
		Icon:        "icon.png",
		Description: "a group",
		Members:     []object.GroupMember{{DeviceId: dev, Title: "owner"}},
		OODList:     []object.ObjectId{dev},
		Version:     3,
	}

	got, err := UnmarshalGroupBody(MarshalGroupBody(body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, body)
	}
}

func TestObjectMapRoundTrip(t *testing.T) {
	id := object.ObjectId{7, 7, 7}
	m := &object.ObjectMap{
		Entries: []object.ObjectMapEntry{
			{Path: "/a", Id: id},
			{Path: "/b", Id: object.ObjectId{8, 8, 8}},
		},
	}

	got, err := UnmarshalObjectMap(MarshalObjectMap(m))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if id2, ok := got.Get("/a"); !ok || id2 != id {
		t.Fatalf("Get(/a) = %v, %v", id2, ok)
	}
}

func appendUnknownVarintField(data []byte, fieldNum int, v uint64) []byte {
	w := NewWriter()
	w.PutRaw(data)
	tag := uint64(fieldNum)<<3 | 0 // wire type 0: varint
	for tag >= 0x80 {
		w.PutU8(byte(tag) | 0x80)
		tag >>= 7
	}
	w.PutU8(byte(tag))
	for v >= 0x80 {
		w.PutU8(byte(v) | 0x80)
		v >>= 7
	}
	w.PutU8(byte(v))
	return w.Bytes()
}
