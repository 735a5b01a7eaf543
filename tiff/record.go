package tiff

import (
	"fmt"
	"math"
)

// FieldType is the type code of a directory record.
type FieldType uint16

// Field types used by baseline grayscale images.
const (
	ASCII    FieldType = 2
	Short    FieldType = 3
	Long     FieldType = 4
	Rational FieldType = 5
)

// Size returns the size in bytes of one element of the type, or 0 if the
// type is not supported.
func (t FieldType) Size() int {
	switch t {
	case ASCII:
		return 1
	case Short:
		return 2
	case Long:
		return 4
	case Rational:
		return 8
	default:
		return 0
	}
}

func (t FieldType) String() string {
	switch t {
	case ASCII:
		return "ascii"
	case Short:
		return "short"
	case Long:
		return "long"
	case Rational:
		return "rational"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Record is one 12-byte directory entry. Value holds the element itself
// when it fits in four bytes, otherwise the offset of the element data.
type Record struct {
	Tag   uint16
	Type  FieldType
	Count uint32
	Value uint32
}

// inline reports whether the record's data fits in the value field.
func (r Record) inline() bool {
	return uint64(r.Type.Size())*uint64(r.Count) <= 4
}

// AppendBinary appends the encoded record to buf. Short values are stored
// left-aligned and zero padded. An unsupported type, or a Short value that
// does not fit in 16 bits, leaves buf untouched and returns ErrMalformedRecord.
func (r Record) AppendBinary(buf []byte) ([]byte, error) {
	switch r.Type {
	case ASCII, Long, Rational:
	case Short:
		if r.Value > math.MaxUint16 {
			return buf, causef(ErrMalformedRecord, "tag %d: short value %d overflows", r.Tag, r.Value)
		}
	default:
		return buf, causef(ErrMalformedRecord, "tag %d: unsupported type %v", r.Tag, r.Type)
	}

	buf = byteOrder.AppendUint16(buf, r.Tag)
	buf = byteOrder.AppendUint16(buf, uint16(r.Type))
	buf = byteOrder.AppendUint32(buf, r.Count)
	if r.Type == Short {
		buf = byteOrder.AppendUint16(buf, uint16(r.Value))
		buf = append(buf, 0, 0)
	} else {
		buf = byteOrder.AppendUint32(buf, r.Value)
	}
	return buf, nil
}

// EncodeRecord returns the 12-byte encoding of a record.
func EncodeRecord(tag uint16, typ FieldType, count, value uint32) ([]byte, error) {
	b, err := Record{Tag: tag, Type: typ, Count: count, Value: value}.AppendBinary(make([]byte, 0, recordSize))
	if err != nil {
		return nil, err
	}
	return b, nil
}
