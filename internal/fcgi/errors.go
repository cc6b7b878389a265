package fcgi

import "errors"

var (
	// ErrNeedMoreData reports that the buffer does not yet hold a full
	// record; the caller buffers more transport bytes and retries.
	ErrNeedMoreData = errors.New("fcgi: need more data")

	// ErrBadVersion reports a header version byte other than 1. The
	// framing cannot be trusted past this point; fatal to the connection.
	ErrBadVersion = errors.New("fcgi: bad protocol version")

	// ErrContentTooLong reports a record content above 65535 bytes.
	ErrContentTooLong = errors.New("fcgi: record content too long")

	// ErrBodyLength reports a lifecycle record body of the wrong size.
	ErrBodyLength = errors.New("fcgi: invalid record body length")

	// ErrPairsTruncated reports a name-value stream ending mid-pair.
	// Fatal to the connection.
	ErrPairsTruncated = errors.New("fcgi: truncated name-value pair")
)
