package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cyfs-io/bdt/internal/object"
)

// Body encoding for the mutable, re-signable portion of an object —
// DeviceBody/FileBody/GroupBody/an ObjectMap's entries — per spec.md
// §4.1's split between a fixed-field desc and a protobuf-encoded body.
// Hand-encoded against the protobuf wire format via protowire rather
// than .proto-generated types, since field numbers are assigned here
// directly and there is no larger schema these messages need to share.
// Unknown fields are skipped on decode so a newer writer's extra fields
// don't break an older reader, the same forward-compatibility protobuf
// itself gives up generated code.

const (
	fieldDeviceEndpoints     = 1
	fieldDeviceSNList        = 2
	fieldDevicePassivePNList = 3
	fieldDeviceName          = 4
	fieldDeviceBDTVersion    = 5

	fieldEndpointProtocol = 1
	fieldEndpointAddr     = 2

	fieldFileChunkList = 1

	fieldChunkListKind       = 1
	fieldChunkListListKind   = 2
	fieldChunkListChunks     = 3
	fieldChunkListFileId     = 4
	fieldChunkListHashMethod = 5

	fieldChunkIdHash   = 1
	fieldChunkIdLength = 2

	fieldGroupName        = 1
	fieldGroupIcon        = 2
	fieldGroupDescription = 3
	fieldGroupMembers     = 4
	fieldGroupOODList     = 5
	fieldGroupVersion     = 6
	fieldGroupPrevShellId = 7

	fieldMemberDeviceId = 1
	fieldMemberTitle    = 2

	fieldMapEntries = 1

	fieldEntryPath = 1
	fieldEntryId   = 2
)

// MarshalDeviceBody encodes a DeviceBody to its protobuf wire form.
func MarshalDeviceBody(b *object.DeviceBody) []byte {
	var out []byte
	for _, ep := range b.Endpoints {
		out = protowire.AppendTag(out, fieldDeviceEndpoints, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalEndpoint(&ep))
	}
	for _, id := range b.SNList {
		out = protowire.AppendTag(out, fieldDeviceSNList, protowire.BytesType)
		out = protowire.AppendBytes(out, id[:])
	}
	for _, id := range b.PassivePNList {
		out = protowire.AppendTag(out, fieldDevicePassivePNList, protowire.BytesType)
		out = protowire.AppendBytes(out, id[:])
	}
	out = protowire.AppendTag(out, fieldDeviceName, protowire.BytesType)
	out = protowire.AppendString(out, b.Name)
	out = protowire.AppendTag(out, fieldDeviceBDTVersion, protowire.BytesType)
	out = protowire.AppendString(out, b.BDTVersion)
	return out
}

// UnmarshalDeviceBody decodes bytes written by MarshalDeviceBody.
func UnmarshalDeviceBody(data []byte) (*object.DeviceBody, error) {
	b := &object.DeviceBody{}
	return b, walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldDeviceEndpoints:
			ep, err := unmarshalEndpoint(v)
			if err != nil {
				return err
			}
			b.Endpoints = append(b.Endpoints, *ep)
		case fieldDeviceSNList:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			b.SNList = append(b.SNList, id)
		case fieldDevicePassivePNList:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			b.PassivePNList = append(b.PassivePNList, id)
		case fieldDeviceName:
			b.Name = string(v)
		case fieldDeviceBDTVersion:
			b.BDTVersion = string(v)
		}
		return nil
	})
}

func marshalEndpoint(ep *object.Endpoint) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldEndpointProtocol, protowire.BytesType)
	out = protowire.AppendString(out, ep.Protocol)
	out = protowire.AppendTag(out, fieldEndpointAddr, protowire.BytesType)
	out = protowire.AppendString(out, ep.Addr)
	return out
}

func unmarshalEndpoint(data []byte) (*object.Endpoint, error) {
	ep := &object.Endpoint{}
	return ep, walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldEndpointProtocol:
			ep.Protocol = string(v)
		case fieldEndpointAddr:
			ep.Addr = string(v)
		}
		return nil
	})
}

// MarshalFileBody encodes a FileBody to its protobuf wire form.
func MarshalFileBody(b *object.FileBody) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldFileChunkList, protowire.BytesType)
	out = protowire.AppendBytes(out, marshalChunkList(&b.ChunkList))
	return out
}

// UnmarshalFileBody decodes bytes written by MarshalFileBody.
func UnmarshalFileBody(data []byte) (*object.FileBody, error) {
	b := &object.FileBody{}
	return b, walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == fieldFileChunkList {
			cl, err := unmarshalChunkList(v)
			if err != nil {
				return err
			}
			b.ChunkList = *cl
		}
		return nil
	})
}

func marshalChunkList(cl *object.ChunkList) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldChunkListKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(cl.Kind))
	out = protowire.AppendTag(out, fieldChunkListListKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(cl.List))
	for _, c := range cl.Chunks {
		out = protowire.AppendTag(out, fieldChunkListChunks, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalChunkId(&c))
	}
	out = protowire.AppendTag(out, fieldChunkListFileId, protowire.BytesType)
	out = protowire.AppendBytes(out, cl.FileId[:])
	out = protowire.AppendTag(out, fieldChunkListHashMethod, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(cl.HashMethod))
	return out
}

func unmarshalChunkList(data []byte) (*object.ChunkList, error) {
	cl := &object.ChunkList{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldChunkListKind:
			n, err := varintFrom(v)
			if err != nil {
				return err
			}
			cl.Kind = object.HashMethod(n)
		case fieldChunkListListKind:
			n, err := varintFrom(v)
			if err != nil {
				return err
			}
			cl.List = object.ChunkListKind(n)
		case fieldChunkListChunks:
			c, err := unmarshalChunkId(v)
			if err != nil {
				return err
			}
			cl.Chunks = append(cl.Chunks, *c)
		case fieldChunkListFileId:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			cl.FileId = id
		case fieldChunkListHashMethod:
			n, err := varintFrom(v)
			if err != nil {
				return err
			}
			cl.HashMethod = object.HashMethod(n)
		}
		return nil
	})
	return cl, err
}

func marshalChunkId(c *object.ChunkId) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldChunkIdHash, protowire.BytesType)
	out = protowire.AppendBytes(out, c.Hash[:])
	out = protowire.AppendTag(out, fieldChunkIdLength, protowire.VarintType)
	out = protowire.AppendVarint(out, c.Length)
	return out
}

func unmarshalChunkId(data []byte) (*object.ChunkId, error) {
	c := &object.ChunkId{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldChunkIdHash:
			if len(v) != 32 {
				return fmt.Errorf("codec: chunk id hash wrong length %d", len(v))
			}
			copy(c.Hash[:], v)
		case fieldChunkIdLength:
			n, err := varintFrom(v)
			if err != nil {
				return err
			}
			c.Length = n
		}
		return nil
	})
	return c, err
}

// MarshalGroupBody encodes a GroupBody to its protobuf wire form.
func MarshalGroupBody(b *object.GroupBody) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldGroupName, protowire.BytesType)
	out = protowire.AppendString(out, b.Name)
	out = protowire.AppendTag(out, fieldGroupIcon, protowire.BytesType)
	out = protowire.AppendString(out, b.Icon)
	out = protowire.AppendTag(out, fieldGroupDescription, protowire.BytesType)
	out = protowire.AppendString(out, b.Description)
	for _, m := range b.Members {
		out = protowire.AppendTag(out, fieldGroupMembers, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalGroupMember(&m))
	}
	for _, id := range b.OODList {
		out = protowire.AppendTag(out, fieldGroupOODList, protowire.BytesType)
		out = protowire.AppendBytes(out, id[:])
	}
	out = protowire.AppendTag(out, fieldGroupVersion, protowire.VarintType)
	out = protowire.AppendVarint(out, b.Version)
	out = protowire.AppendTag(out, fieldGroupPrevShellId, protowire.BytesType)
	out = protowire.AppendBytes(out, b.PrevShellId[:])
	return out
}

// UnmarshalGroupBody decodes bytes written by MarshalGroupBody.
func UnmarshalGroupBody(data []byte) (*object.GroupBody, error) {
	b := &object.GroupBody{}
	return b, walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldGroupName:
			b.Name = string(v)
		case fieldGroupIcon:
			b.Icon = string(v)
		case fieldGroupDescription:
			b.Description = string(v)
		case fieldGroupMembers:
			m, err := unmarshalGroupMember(v)
			if err != nil {
				return err
			}
			b.Members = append(b.Members, *m)
		case fieldGroupOODList:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			b.OODList = append(b.OODList, id)
		case fieldGroupVersion:
			n, err := varintFrom(v)
			if err != nil {
				return err
			}
			b.Version = n
		case fieldGroupPrevShellId:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			b.PrevShellId = id
		}
		return nil
	})
}

func marshalGroupMember(m *object.GroupMember) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldMemberDeviceId, protowire.BytesType)
	out = protowire.AppendBytes(out, m.DeviceId[:])
	out = protowire.AppendTag(out, fieldMemberTitle, protowire.BytesType)
	out = protowire.AppendString(out, m.Title)
	return out
}

func unmarshalGroupMember(data []byte) (*object.GroupMember, error) {
	m := &object.GroupMember{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldMemberDeviceId:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			m.DeviceId = id
		case fieldMemberTitle:
			m.Title = string(v)
		}
		return nil
	})
	return m, err
}

// MarshalObjectMap encodes an ObjectMap's entries to protobuf wire form.
func MarshalObjectMap(m *object.ObjectMap) []byte {
	var out []byte
	for _, e := range m.Entries {
		out = protowire.AppendTag(out, fieldMapEntries, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalMapEntry(&e))
	}
	return out
}

// UnmarshalObjectMap decodes bytes written by MarshalObjectMap.
func UnmarshalObjectMap(data []byte) (*object.ObjectMap, error) {
	m := &object.ObjectMap{}
	return m, walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == fieldMapEntries {
			e, err := unmarshalMapEntry(v)
			if err != nil {
				return err
			}
			m.Entries = append(m.Entries, *e)
		}
		return nil
	})
}

func marshalMapEntry(e *object.ObjectMapEntry) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldEntryPath, protowire.BytesType)
	out = protowire.AppendString(out, e.Path)
	out = protowire.AppendTag(out, fieldEntryId, protowire.BytesType)
	out = protowire.AppendBytes(out, e.Id[:])
	return out
}

func unmarshalMapEntry(data []byte) (*object.ObjectMapEntry, error) {
	e := &object.ObjectMapEntry{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldEntryPath:
			e.Path = string(v)
		case fieldEntryId:
			id, err := bytesToObjectId(v)
			if err != nil {
				return err
			}
			e.Id = id
		}
		return nil
	})
	return e, err
}

// walkFields decodes a flat sequence of protobuf wire-format fields,
// calling fn with each varint or length-delimited field's tag and raw
// value. Only those two wire types are used by these messages; a field of
// any other wire type (fixed32/64, groups) is consumed and skipped without
// calling fn, and fn ignores unrecognized field numbers rather than
// rejecting them, so an older reader tolerates a newer writer's extra
// fields.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var value []byte
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			value = protowire.AppendVarint(nil, v)
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			value = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		if err := fn(num, typ, value); err != nil {
			return err
		}
	}
	return nil
}

func varintFrom(v []byte) (uint64, error) {
	n, c := protowire.ConsumeVarint(v)
	if c < 0 {
		return 0, protowire.ParseError(c)
	}
	return n, nil
}

func bytesToObjectId(v []byte) (object.ObjectId, error) {
	var id object.ObjectId
	if len(v) != len(id) {
		return id, fmt.Errorf("codec: object id wrong length %d", len(v))
	}
	copy(id[:], v)
	return id, nil
}
