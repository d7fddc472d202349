package probe

import (
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Field numbers of the PacketInfo message published by probes:
//
//	message FiveTuple  { bytes src_ip = 1; bytes dst_ip = 2; uint32 src_port = 3; uint32 dst_port = 4; uint32 protocol = 5; }
//	message PacketInfo { google.protobuf.Timestamp timestamp = 1; FiveTuple five_tuple = 2; uint64 length = 3; }
const (
	fieldTimestamp protowire.Number = 1
	fieldFiveTuple protowire.Number = 2
	fieldLength    protowire.Number = 3

	fieldSrcIP    protowire.Number = 1
	fieldDstIP    protowire.Number = 2
	fieldSrcPort  protowire.Number = 3
	fieldDstPort  protowire.Number = 4
	fieldProtocol protowire.Number = 5
)

// Marshal encodes ev as a PacketInfo message. Addresses are sent in their
// 16-byte form.
func Marshal(ev model.FlowEvent) ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(ev.Timestamp))
	if err != nil {
		return nil, err
	}
	src, dst := ev.SrcIP.As16(), ev.DstIP.As16()

	var tuple []byte
	tuple = protowire.AppendTag(tuple, fieldSrcIP, protowire.BytesType)
	tuple = protowire.AppendBytes(tuple, src[:])
	tuple = protowire.AppendTag(tuple, fieldDstIP, protowire.BytesType)
	tuple = protowire.AppendBytes(tuple, dst[:])
	tuple = appendUint(tuple, fieldSrcPort, uint64(ev.SrcPort))
	tuple = appendUint(tuple, fieldDstPort, uint64(ev.DstPort))
	tuple = appendUint(tuple, fieldProtocol, uint64(ev.Protocol))

	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = protowire.AppendTag(b, fieldFiveTuple, protowire.BytesType)
	b = protowire.AppendBytes(b, tuple)
	b = appendUint(b, fieldLength, uint64(ev.Length))
	return b, nil
}

// proto3 omits zero scalars.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a PacketInfo message. Unknown fields are skipped.
func Unmarshal(data []byte) (model.FlowEvent, error) {
	var ev model.FlowEvent
	var sawTuple bool
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldTimestamp && typ == protowire.BytesType:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return err
			}
			if err := ts.CheckValid(); err != nil {
				return err
			}
			ev.Timestamp = ts.AsTime()
		case num == fieldFiveTuple && typ == protowire.BytesType:
			sawTuple = true
			return decodeTuple(v, &ev)
		case num == fieldLength && typ == protowire.VarintType:
			if n > 1<<31 {
				return errors.Errorf(errors.KindValidation, "length %d out of range", n)
			}
			ev.Length = int(n)
		}
		return nil
	})
	if err != nil {
		return model.FlowEvent{}, errors.Wrap(err, errors.KindValidation, "malformed packet info")
	}
	if !sawTuple {
		return model.FlowEvent{}, errors.New(errors.KindValidation, "packet info without five tuple")
	}
	return ev, nil
}

func decodeTuple(data []byte, ev *model.FlowEvent) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case (num == fieldSrcIP || num == fieldDstIP) && typ == protowire.BytesType:
			addr, ok := netip.AddrFromSlice(v)
			if !ok {
				return errors.Errorf(errors.KindValidation, "address of %d bytes", len(v))
			}
			if num == fieldSrcIP {
				ev.SrcIP = addr.Unmap()
			} else {
				ev.DstIP = addr.Unmap()
			}
		case (num == fieldSrcPort || num == fieldDstPort) && typ == protowire.VarintType:
			if n > 0xffff {
				return errors.Errorf(errors.KindValidation, "port %d out of range", n)
			}
			if num == fieldSrcPort {
				ev.SrcPort = uint16(n)
			} else {
				ev.DstPort = uint16(n)
			}
		case num == fieldProtocol && typ == protowire.VarintType:
			if n > 0xff {
				return errors.Errorf(errors.KindValidation, "protocol %d out of range", n)
			}
			ev.Protocol = uint8(n)
		}
		return nil
	})
}

// walk calls fn for every field in a message. Bytes fields arrive in v,
// varints in n; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, l := protowire.ConsumeTag(b)
		if l < 0 {
			return protowire.ParseError(l)
		}
		b = b[l:]
		switch typ {
		case protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[l:]
		case protowire.VarintType:
			n, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			if err := fn(num, typ, nil, n); err != nil {
				return err
			}
			b = b[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			b = b[l:]
		}
	}
	return nil
}
