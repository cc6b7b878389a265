package fcgi

import "encoding/binary"

// Pairs is an insertion-ordered name-value mapping. Duplicate names are
// last-write-wins on value but keep their original position, so encoding
// the same mapping always produces the same bytes.
type Pairs struct {
	names  []string
	values map[string]string
}

// NewPairs returns an empty mapping.
func NewPairs() *Pairs {
	return &Pairs{values: make(map[string]string)}
}

// Set inserts or overwrites one pair.
func (p *Pairs) Set(name, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[name]; !ok {
		p.names = append(p.names, name)
	}
	p.values[name] = value
}

// Get returns the value for name and whether it is present.
func (p *Pairs) Get(name string) (string, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Value returns the value for name, or "" when absent.
func (p *Pairs) Value(name string) string {
	return p.values[name]
}

// Len returns the number of pairs.
func (p *Pairs) Len() int {
	return len(p.names)
}

// Names returns the pair names in insertion order. The slice is shared;
// callers must not mutate it.
func (p *Pairs) Names() []string {
	return p.names
}

// Decode appends every pair in b into p. Either length form is accepted
// for names and values; a buffer ending mid-pair is ErrPairsTruncated.
// b must be the complete concatenated params stream, not a single
// record's slice of it.
func (p *Pairs) Decode(b []byte) error {
	for len(b) > 0 {
		nameLen, n, err := decodePairLen(b)
		if err != nil {
			return err
		}
		b = b[n:]
		valueLen, n, err := decodePairLen(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if len(b) < nameLen+valueLen {
			return ErrPairsTruncated
		}
		p.Set(string(b[:nameLen]), string(b[nameLen:nameLen+valueLen]))
		b = b[nameLen+valueLen:]
	}
	return nil
}

// DecodePairs decodes a complete name-value stream into a fresh mapping.
func DecodePairs(b []byte) (*Pairs, error) {
	p := NewPairs()
	if err := p.Decode(b); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendPairs encodes p in insertion order. Lengths below 128 take the
// one-byte form; longer ones take the four-byte form with the high bit
// set. Encoders must pick the shortest valid form.
func AppendPairs(dst []byte, p *Pairs) []byte {
	for _, name := range p.names {
		value := p.values[name]
		dst = appendPairLen(dst, len(name))
		dst = appendPairLen(dst, len(value))
		dst = append(dst, name...)
		dst = append(dst, value...)
	}
	return dst
}

func appendPairLen(dst []byte, n int) []byte {
	if n < 128 {
		return append(dst, byte(n))
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n)|1<<31)
	return append(dst, buf[:]...)
}

func decodePairLen(b []byte) (length, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrPairsTruncated
	}
	if b[0]>>7 == 0 {
		return int(b[0]), 1, nil
	}
	if len(b) < 4 {
		return 0, 0, ErrPairsTruncated
	}
	return int(binary.BigEndian.Uint32(b[:4]) &^ (1 << 31)), 4, nil
}
