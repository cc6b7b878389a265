package fcgi

import "encoding/binary"

// Record is one framed unit of the protocol. Content holds exactly the
// record payload; wire padding never survives a decode.
type Record struct {
	Kind      Kind
	RequestID uint16
	Content   []byte
}

// RawRecord pairs a decoded record with its wire type byte, so records
// that decoded to KindUnknown can still be named in a management reply.
type RawRecord struct {
	Record
	WireType uint8
}

// DecodeRecord decodes one record from the front of buf.
//
// It returns the record and the number of bytes consumed, including
// padding. When buf holds less than a full frame it returns
// ErrNeedMoreData and consumes nothing; the caller retries once more
// transport bytes arrive. A version byte other than 1 is ErrBadVersion.
// Unknown type bytes decode to KindUnknown, never an error.
func DecodeRecord(buf []byte) (RawRecord, int, error) {
	if len(buf) < HeaderLen {
		return RawRecord{}, 0, ErrNeedMoreData
	}
	if buf[0] != Version {
		return RawRecord{}, 0, ErrBadVersion
	}

	wireType := buf[1]
	id := binary.BigEndian.Uint16(buf[2:4])
	contentLen := int(binary.BigEndian.Uint16(buf[4:6]))
	paddingLen := int(buf[6])

	total := HeaderLen + contentLen + paddingLen
	if len(buf) < total {
		return RawRecord{}, 0, ErrNeedMoreData
	}

	kind := Kind(wireType)
	if !kind.known() {
		kind = KindUnknown
	}

	var content []byte
	if contentLen > 0 {
		content = make([]byte, contentLen)
		copy(content, buf[HeaderLen:HeaderLen+contentLen])
	}

	rec := RawRecord{
		Record:   Record{Kind: kind, RequestID: id, Content: content},
		WireType: wireType,
	}
	return rec, total, nil
}

// AppendRecord encodes rec onto dst as a single padded frame. Padding is
// the minimal count in 0..7 aligning the frame to a multiple of 8.
func AppendRecord(dst []byte, rec Record) ([]byte, error) {
	contentLen := len(rec.Content)
	if contentLen > MaxContentLen {
		return dst, ErrContentTooLong
	}
	paddingLen := -contentLen & (recordAlign - 1)

	var head [HeaderLen]byte
	head[0] = Version
	head[1] = uint8(rec.Kind)
	binary.BigEndian.PutUint16(head[2:4], rec.RequestID)
	binary.BigEndian.PutUint16(head[4:6], uint16(contentLen))
	head[6] = uint8(paddingLen)

	dst = append(dst, head[:]...)
	dst = append(dst, rec.Content...)
	dst = append(dst, pad[:paddingLen]...)
	return dst, nil
}

// AppendStream encodes payload as one or more records of the given kind
// and id, each at most MaxContentLen bytes. Payloads above the record
// limit must split this way; the zero-length end-of-stream marker is
// appended separately with AppendEndOfStream. Empty payloads append
// nothing.
func AppendStream(dst []byte, kind Kind, id uint16, payload []byte) []byte {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxContentLen {
			n = MaxContentLen
		}
		dst, _ = AppendRecord(dst, Record{Kind: kind, RequestID: id, Content: payload[:n]})
		payload = payload[n:]
	}
	return dst
}

// AppendEndOfStream appends the zero-length record that closes a stream.
func AppendEndOfStream(dst []byte, kind Kind, id uint16) []byte {
	dst, _ = AppendRecord(dst, Record{Kind: kind, RequestID: id})
	return dst
}

// Padding bytes carry no semantic value; shared zero buffer.
var pad [recordAlign - 1]byte
