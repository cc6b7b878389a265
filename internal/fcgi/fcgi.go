// Package fcgi implements the FastCGI wire format: record framing,
// the name-value pair encoding used by the params stream, and the
// fixed-size bodies of management and lifecycle records.
package fcgi

import "encoding/binary"

const (
	// Version is the only protocol version this package speaks.
	Version uint8 = 1

	// HeaderLen is the fixed record header size.
	HeaderLen = 8

	// MaxContentLen is the largest content a single record can carry.
	MaxContentLen = 65535

	// recordAlign is the total-frame alignment padding targets.
	recordAlign = 8
)

// Kind identifies a record type on the wire.
type Kind uint8

const (
	KindBeginRequest    Kind = 1
	KindAbortRequest    Kind = 2
	KindEndRequest      Kind = 3
	KindParams          Kind = 4
	KindStdin           Kind = 5
	KindStdout          Kind = 6
	KindStderr          Kind = 7
	KindData            Kind = 8
	KindGetValues       Kind = 9
	KindGetValuesResult Kind = 10
	KindUnknown         Kind = 11
)

func (k Kind) String() string {
	switch k {
	case KindBeginRequest:
		return "FCGI_BEGIN_REQUEST"
	case KindAbortRequest:
		return "FCGI_ABORT_REQUEST"
	case KindEndRequest:
		return "FCGI_END_REQUEST"
	case KindParams:
		return "FCGI_PARAMS"
	case KindStdin:
		return "FCGI_STDIN"
	case KindStdout:
		return "FCGI_STDOUT"
	case KindStderr:
		return "FCGI_STDERR"
	case KindData:
		return "FCGI_DATA"
	case KindGetValues:
		return "FCGI_GET_VALUES"
	case KindGetValuesResult:
		return "FCGI_GET_VALUES_RESULT"
	default:
		return "FCGI_UNKNOWN_TYPE"
	}
}

// known reports whether k is a type this implementation recognizes.
func (k Kind) known() bool {
	return k >= KindBeginRequest && k <= KindGetValuesResult
}

// Role is the application behavior a BeginRequest asks for.
type Role uint16

const (
	RoleResponder  Role = 1
	RoleAuthorizer Role = 2
	RoleFilter     Role = 3
)

func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "responder"
	case RoleAuthorizer:
		return "authorizer"
	case RoleFilter:
		return "filter"
	default:
		return "unknown"
	}
}

// Protocol statuses carried in an EndRequest body.
const (
	StatusRequestComplete uint8 = 0
	StatusCantMultiplex   uint8 = 1
	StatusOverloaded      uint8 = 2
	StatusUnknownRole     uint8 = 3
)

// Management variable names answered by GetValuesResult.
const (
	VarMaxConns  = "FCGI_MAX_CONNS"
	VarMaxReqs   = "FCGI_MAX_REQS"
	VarMpxsConns = "FCGI_MPXS_CONNS"
)

// flagKeepConn keeps the transport open after the request completes.
const flagKeepConn uint8 = 1

// BeginRequestBody is the 8-byte BeginRequest payload.
type BeginRequestBody struct {
	Role  Role
	Flags uint8
}

// KeepConn reports whether the peer asked to keep the connection open.
func (b BeginRequestBody) KeepConn() bool {
	return b.Flags&flagKeepConn != 0
}

// ParseBeginRequestBody decodes the body of a BeginRequest record.
func ParseBeginRequestBody(content []byte) (BeginRequestBody, error) {
	if len(content) != 8 {
		return BeginRequestBody{}, ErrBodyLength
	}
	return BeginRequestBody{
		Role:  Role(binary.BigEndian.Uint16(content[0:2])),
		Flags: content[2],
	}, nil
}

// AppendBeginRequestBody encodes b for the wire (client side and tests).
func AppendBeginRequestBody(dst []byte, b BeginRequestBody) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(b.Role))
	buf[2] = b.Flags
	return append(dst, buf[:]...)
}

// EndRequestBody is the 8-byte EndRequest payload.
type EndRequestBody struct {
	AppStatus      int32
	ProtocolStatus uint8
}

// ParseEndRequestBody decodes the body of an EndRequest record.
func ParseEndRequestBody(content []byte) (EndRequestBody, error) {
	if len(content) != 8 {
		return EndRequestBody{}, ErrBodyLength
	}
	return EndRequestBody{
		AppStatus:      int32(binary.BigEndian.Uint32(content[0:4])),
		ProtocolStatus: content[4],
	}, nil
}

// AppendEndRequestBody encodes b for the wire.
func AppendEndRequestBody(dst []byte, b EndRequestBody) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(b.AppStatus))
	buf[4] = b.ProtocolStatus
	return append(dst, buf[:]...)
}

// AppendUnknownTypeBody encodes the 8-byte UnknownType payload naming
// the management record type this implementation did not recognize.
func AppendUnknownTypeBody(dst []byte, kind uint8) []byte {
	var buf [8]byte
	buf[0] = kind
	return append(dst, buf[:]...)
}
