package wiretype

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/sink"
)

var (
	// ErrEmptyValue is returned when a record carries no bytes for a field.
	ErrEmptyValue = errors.New("empty payload value")
	// ErrValueTooLarge is returned when a record is wider than the wire type.
	ErrValueTooLarge = errors.New("payload value larger than its type")
)

// table returns the type table in tag order. The order is persisted in
// descriptors and must not change.
func table(ptrSize int) []Entry {
	return []Entry{
		{
			Name:  "etw_struct",
			Type:  sink.TypeUInt32,
			Size:  4,
			Check: intCheck(4),
		},
		meta("etw_widestring", sink.TypeUtf16String),
		str("etw_string", sink.TypeMbcsString),
		meta("etw_utf16string", sink.TypeUtf16String),
		str("etw_mbcsstring", sink.TypeMbcsString),
		integer("etw_int8", sink.TypeInt8, 1, true),
		integer("etw_uint8", sink.TypeUInt8, 1, false),
		integer("etw_int16", sink.TypeInt16, 2, true),
		integer("etw_uint16", sink.TypeUInt16, 2, false),
		integer("etw_int32", sink.TypeInt32, 4, true),
		integer("etw_uint32", sink.TypeUInt32, 4, false),
		integer("etw_int64", sink.TypeInt64, 8, true),
		integer("etw_uint64", sink.TypeUInt64, 8, false),
		float("etw_float", sink.TypeFloat, 4),
		float("etw_double", sink.TypeDouble, 8),
		integer("etw_bool32", sink.TypeBool32, 4, true),
		meta("etw_binary", sink.TypeBinary),
		meta("etw_guid", sink.TypeGUID),
		meta("etw_filetime", sink.TypeFileTime),
		meta("etw_systemtime", sink.TypeSystemTime),
		meta("etw_sid", sink.TypeSid),
		integer("etw_hexint32", sink.TypeHexInt32, 4, true),
		integer("etw_hexint64", sink.TypeHexInt64, 8, true),
		meta("etw_countedutf16string", sink.TypeCountedUtf16String),
		meta("etw_countedmbcsstring", sink.TypeCountedMbcsString),
		pointer("etw_intptr", sink.TypeIntPtr, ptrSize),
		pointer("etw_uintptr", sink.TypeUIntPtr, ptrSize),
		pointer("etw_pointer", sink.TypePointer, ptrSize),
		integer("etw_char16", sink.TypeChar16, 2, true),
		integer("etw_char8", sink.TypeChar8, 1, true),
		integer("etw_bool8", sink.TypeBool8, 1, true),
		integer("etw_hexint8", sink.TypeHexInt8, 1, true),
		integer("etw_hexint16", sink.TypeHexInt16, 2, true),
		integer("etw_pid", sink.TypePid, 4, true),
		integer("etw_tid", sink.TypeTid, 4, true),
		meta("etw_port", sink.TypePort),
		meta("etw_ipv4", sink.TypeIPv4),
		meta("etw_ipv6", sink.TypeIPv6),
		meta("etw_socketaddress", sink.TypeSocketAddress),
		meta("etw_utf16xml", sink.TypeUtf16Xml),
		str("etw_mbcsxml", sink.TypeMbcsXml),
		meta("etw_utf16json", sink.TypeUtf16Json),
		str("etw_mbcsjson", sink.TypeMbcsJson),
		meta("etw_countedutf16xml", sink.TypeCountedUtf16Xml),
		meta("etw_countedmbcsxml", sink.TypeCountedMbcsXml),
		meta("etw_countedutf16json", sink.TypeCountedUtf16Json),
		meta("etw_countedmbcsjson", sink.TypeCountedMbcsJson),
		integer("etw_win32error", sink.TypeWin32Error, 4, false),
		integer("etw_ntstatus", sink.TypeNTStatus, 4, false),
		integer("etw_hresult", sink.TypeHResult, 4, false),
	}
}

func meta(name string, t sink.FieldType) Entry {
	return Entry{Name: name, Type: t}
}

func str(name string, t sink.FieldType) Entry {
	return Entry{
		Name:  name,
		Type:  t,
		Check: func(n argtree.Node) bool { return n.IsString() },
		Add:   addString,
	}
}

func integer(name string, t sink.FieldType, size int, signed bool) Entry {
	return Entry{
		Name:  name,
		Type:  t,
		Size:  size,
		Check: intCheck(size),
		Add:   addInt(size, signed),
	}
}

func float(name string, t sink.FieldType, size int) Entry {
	return Entry{
		Name: name,
		Type: t,
		Size: size,
		Check: func(n argtree.Node) bool {
			if n.TypeSize() > size {
				return false
			}
			return n.IsFloat() || n.IsInteger()
		},
		Add: addFloat(size),
	}
}

// pointer sized values travel as signed integers of the target width.
func pointer(name string, t sink.FieldType, ptrSize int) Entry {
	return Entry{
		Name:  name,
		Type:  t,
		Size:  ptrSize,
		Check: intCheck(ptrSize),
		Add:   addInt(ptrSize, true),
	}
}

func intCheck(size int) CheckFunc {
	return func(n argtree.Node) bool {
		if n.TypeSize() > size {
			return false
		}
		return n.IsInteger()
	}
}

func checkLen(data []byte, size int) error {
	if len(data) == 0 {
		return ErrEmptyValue
	}
	if len(data) > size {
		return fmt.Errorf("%w: %d > %d bytes", ErrValueTooLarge, len(data), size)
	}
	return nil
}

func addInt(size int, signed bool) AddFunc {
	return func(b sink.FieldBuilder, name string, t sink.FieldType, data []byte) error {
		if err := checkLen(data, size); err != nil {
			return err
		}

		// Narrower records are widened to the type width: sign extended for
		// signed types, zero extended otherwise.
		var raw [8]byte
		copy(raw[:], data)
		if signed && data[len(data)-1]&0x80 != 0 {
			for i := len(data); i < len(raw); i++ {
				raw[i] = 0xff
			}
		}

		var v any
		switch size {
		case 1:
			if signed {
				v = int8(raw[0])
			} else {
				v = raw[0]
			}
		case 2:
			u := binary.LittleEndian.Uint16(raw[:])
			if signed {
				v = int16(u)
			} else {
				v = u
			}
		case 4:
			u := binary.LittleEndian.Uint32(raw[:])
			if signed {
				v = int32(u)
			} else {
				v = u
			}
		default:
			u := binary.LittleEndian.Uint64(raw[:])
			if signed {
				v = int64(u)
			} else {
				v = u
			}
		}

		b.AddField(name, t)
		return b.AddValue(v)
	}
}

func addFloat(size int) AddFunc {
	return func(b sink.FieldBuilder, name string, t sink.FieldType, data []byte) error {
		if err := checkLen(data, size); err != nil {
			return err
		}

		var raw [8]byte
		copy(raw[:], data)

		b.AddField(name, t)
		if size == 4 {
			return b.AddValue(math.Float32frombits(binary.LittleEndian.Uint32(raw[:])))
		}
		return b.AddValue(math.Float64frombits(binary.LittleEndian.Uint64(raw[:])))
	}
}

// addString takes the value up to the first NUL.
func addString(b sink.FieldBuilder, name string, t sink.FieldType, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyValue
	}

	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}

	b.AddField(name, t)
	return b.AddString(string(data))
}
