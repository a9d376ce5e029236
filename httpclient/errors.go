package httpclient

import "errors"

// Error taxonomy from the original's exception hierarchy, ported as
// sentinel values per SPEC_FULL's ambient error-handling convention:
// fmt.Errorf("...: %w", ...) wrapping plus errors.Is/errors.As, since no
// dedicated error-kind library appears anywhere in the retrieval pack.
var (
	// ErrConnectionVoluntarilyClosed means the caller or peer asked to
	// close the connection; queued or new requests fail fast with this.
	ErrConnectionVoluntarilyClosed = errors.New("httpclient: connection voluntarily closed")
	// ErrPriorRequestFailed means another request sharing this
	// connection's pipeline already failed.
	ErrPriorRequestFailed = errors.New("httpclient: prior request on this connection failed")
	// ErrBadMessageHeader is a response parse-time failure.
	ErrBadMessageHeader = errors.New("httpclient: bad message header")
	// ErrIncompleteMessageHeader is a response parse-time failure: the
	// stream closed before a full header block arrived.
	ErrIncompleteMessageHeader = errors.New("httpclient: incomplete message header")
	// ErrInvalidTransferEncoding is a semantic failure after a
	// successful parse: Transfer-Encoding doesn't end in chunked, has a
	// duplicate chunked coding, or names an unsupported coding.
	ErrInvalidTransferEncoding = errors.New("httpclient: invalid transfer-encoding")
	// ErrMissingMultipartBoundary means an entity declared itself
	// multipart without a boundary parameter.
	ErrMissingMultipartBoundary = errors.New("httpclient: missing multipart boundary parameter")
	// ErrUnexpectedEOF means a body stream closed with fewer bytes than
	// its Content-Length declared.
	ErrUnexpectedEOF = errors.New("httpclient: unexpected eof in body")
	// ErrCancelled is raised into a request's caller when Cancel is
	// called on it directly (as opposed to a transport-wide failure).
	ErrCancelled = errors.New("httpclient: request cancelled")
	// ErrPipelineFull means config.ClientConnectionOptions.MaxPipelineDepth
	// already has that many requests queued on this connection.
	ErrPipelineFull = errors.New("httpclient: pipeline depth limit reached")
)
