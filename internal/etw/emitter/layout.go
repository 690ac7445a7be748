package emitter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coral-mesh/etwtrace/internal/etw/argtree"
	"github.com/coral-mesh/etwtrace/internal/etw/descriptor"
	"github.com/coral-mesh/etwtrace/internal/safe"
)

// Layout packs the literal payload values of call into a record buffer for d,
// which must have been built from call. Integers are stored little endian in
// their declared size, floats as IEEE 754 bits and strings NUL terminated.
func Layout(d *descriptor.Descriptor, call *argtree.Call) ([]Record, []byte, error) {
	vals := call.Values()
	count := d.PayloadCount()
	start := len(vals) - count*descriptor.TupleSize
	if start < 0 {
		return nil, nil, fmt.Errorf("%w: %d payloads, %d arguments", ErrRecordMismatch, count, len(vals))
	}

	recs := make([]Record, 0, count)
	var buf []byte
	for i := range count {
		v := vals[start+i*descriptor.TupleSize+2]
		if v.IsVariable() {
			return nil, nil, fmt.Errorf("payload %q: %s has no literal value", d.PayloadName(i), v.Ident)
		}

		off := len(buf)
		switch v.Kind {
		case argtree.KindString:
			buf = append(append(buf, v.Str...), 0)
		case argtree.KindInteger:
			buf = appendInt(buf, uint64(v.Int), v.Size)
		case argtree.KindFloat:
			if v.Size == 4 {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v.Float)))
			} else {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float))
			}
		default:
			return nil, nil, fmt.Errorf("payload %q: unsupported value kind %s", d.PayloadName(i), v.Kind)
		}
		offset, clamped := safe.IntToUint32(off)
		if clamped {
			return nil, nil, fmt.Errorf("payload %q: record buffer exceeds 4 GiB", d.PayloadName(i))
		}
		size, _ := safe.IntToUint32(len(buf) - off)
		recs = append(recs, Record{Action: ActionETWTrace, Offset: offset, Size: size})
	}
	return recs, buf, nil
}

func appendInt(buf []byte, v uint64, size int) []byte {
	switch size {
	case 1:
		return append(buf, byte(v))
	case 2:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case 4:
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}
