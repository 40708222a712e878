package journal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

// Record layout, little endian:
//
//	magic[4] version u16 headerSize u16 type u16 schema u16 source u16 flags u16
//	payloadLen u32 seq u64 tsEvent i64 tsRecv i64 traceID u64 reserved u32
//	payload[payloadLen] crc32c u32
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4
	maxPayloadLen             = uint64(^uint32(0))
)

var (
	recordMagic = [4]byte{'B', 'S', 'J', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic         = errors.New("journal invalid magic")
	ErrUnsupportedRecordVer = errors.New("journal unsupported record version")
	ErrInvalidHeaderSize    = errors.New("journal invalid header size")
	ErrChecksumMismatch     = errors.New("journal checksum mismatch")
	ErrPayloadTooLarge      = errors.New("journal payload too large")
)

func encodeHeader(dst []byte, header schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	le := binary.LittleEndian
	copy(dst[0:4], recordMagic[:])
	le.PutUint16(dst[4:6], recordVersion)
	le.PutUint16(dst[6:8], uint16(recordHeaderSize))
	le.PutUint16(dst[8:10], uint16(header.Type))
	le.PutUint16(dst[10:12], header.Version)
	le.PutUint16(dst[12:14], header.Source)
	le.PutUint16(dst[14:16], header.Flags)
	le.PutUint32(dst[16:20], uint32(payloadLen))
	le.PutUint64(dst[20:28], header.Seq)
	le.PutUint64(dst[28:36], uint64(header.TsEvent))
	le.PutUint64(dst[36:44], uint64(header.TsRecv))
	le.PutUint64(dst[44:52], header.TraceID)
	le.PutUint32(dst[52:56], 0)
}

func decodeHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	le := binary.LittleEndian
	if ver := le.Uint16(src[4:6]); ver != recordVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if size := le.Uint16(src[6:8]); size != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidHeaderSize
	}
	return schema.EventHeader{
		Type:    schema.EventType(le.Uint16(src[8:10])),
		Version: le.Uint16(src[10:12]),
		Source:  le.Uint16(src[12:14]),
		Flags:   le.Uint16(src[14:16]),
		Seq:     le.Uint64(src[20:28]),
		TsEvent: int64(le.Uint64(src[28:36])),
		TsRecv:  int64(le.Uint64(src[36:44])),
		TraceID: le.Uint64(src[44:52]),
	}, le.Uint32(src[16:20]), nil
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}
