package httpclient

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"mordor/fiber"
)

// ClientRequest is one pipelined request/response pair on a
// ClientConnection. Its owner fiber drives it through Created -> queued
// -> transmitting -> requestDone -> waiting/reading -> responseDone.
type ClientRequest struct {
	id   uuid.UUID
	conn *ClientConnection
	req  *Request
	resp *Response
	self *fiber.Fiber

	requestInFlight     bool
	requestDone         bool
	responseInFlight    bool
	responseHeadersDone bool
	responseDone        bool
	cancelled           bool
	aborted             bool

	err error
}

// Request returns the request this ClientRequest was constructed from.
func (cr *ClientRequest) Request() *Request { return cr.req }

// RequestBody returns a writer for the entity body declared by
// Content-Length or Transfer-Encoding: chunked on the outgoing request.
// Closing it (even with zero bytes written for a chunked body) advances
// the connection's transmission cursor via scheduleNextRequest. It is an
// error to call this when the request declared no body.
func (cr *ClientRequest) RequestBody() (io.WriteCloser, error) {
	if !hasRequestBody(cr.req) {
		return nil, fmt.Errorf("httpclient: request declared no body")
	}
	return cr.conn.RequestBodyWriter(cr)
}

// Response blocks self (the owning fiber) until this request reaches the
// head of the pipeline and its response headers are parsed.
func (cr *ClientRequest) Response(self *fiber.Fiber) (*Response, error) {
	return cr.conn.Response(self, cr)
}

// ResponseBody returns a reader for the response entity body. Response
// must have returned successfully first. Reaching EOF (or calling Close)
// advances the connection past this request via scheduleNextResponse.
func (cr *ClientRequest) ResponseBody() (io.ReadCloser, error) {
	return cr.conn.ResponseBodyReader(cr)
}

// Cancel abandons the request. abort=false lets the wire traffic already
// underway finish cooperatively (the request is simply marked cancelled
// and skipped once it would otherwise block further progress); abort=true
// tears down the whole shared connection immediately, failing every other
// pipelined request too.
func (cr *ClientRequest) Cancel(abort bool) {
	cr.conn.mu.Lock()
	cr.cancelled = true
	if abort {
		cr.aborted = true
	}
	cr.err = ErrCancelled
	cr.conn.mu.Unlock()

	if abort {
		cr.conn.failRequest(cr, ErrCancelled)
		return
	}
	if cr.self != nil {
		cr.conn.sch.ScheduleFiber(cr.self, -1)
	}
}

// Stream hands back the raw bidirectional Stream for a successful CONNECT
// response, per the tunneling behavior SPEC_FULL supplements onto the
// distilled request/response model. After this call the connection
// considers itself closed for further pipelining: the tunnel owns the
// wire from here on.
func (cr *ClientRequest) Stream() (Stream, error) {
	if !strings.EqualFold(cr.req.Method, "CONNECT") {
		return nil, fmt.Errorf("httpclient: Stream is only valid for a CONNECT request")
	}
	cr.conn.mu.Lock()
	if !cr.responseHeadersDone {
		cr.conn.mu.Unlock()
		return nil, fmt.Errorf("httpclient: CONNECT response headers not yet read")
	}
	if cr.resp.StatusCode/100 != 2 {
		err := fmt.Errorf("httpclient: CONNECT refused: %d %s", cr.resp.StatusCode, cr.resp.Reason)
		cr.conn.mu.Unlock()
		return nil, err
	}
	cr.conn.priorResponseClosed = true
	cr.conn.allowNewRequests = false
	stream := cr.conn.stream
	cr.conn.mu.Unlock()

	cr.conn.scheduleNextResponse(cr)
	return stream, nil
}

type requestBodyWriter struct {
	cr        *ClientRequest
	remaining int64 // -1 when unbounded (chunked)
	closed    bool
}

func (w *requestBodyWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("httpclient: write to closed request body")
	}
	if w.remaining >= 0 && int64(len(p)) > w.remaining {
		p = p[:w.remaining]
	}
	n, err := w.cr.conn.stream.Write(p)
	if w.remaining >= 0 {
		w.remaining -= int64(n)
	}
	return n, err
}

func (w *requestBodyWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.cr.conn.scheduleNextRequest(w.cr)
	return nil
}

type responseBodyReader struct {
	cr        *ClientRequest
	r         io.Reader
	remaining int64 // -1 when unbounded (read until EOF/close)
	closed    bool
}

func (r *responseBodyReader) Read(p []byte) (int, error) {
	if r.remaining == 0 {
		r.finish()
		return 0, io.EOF
	}
	if r.remaining > 0 && int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.r.Read(p)
	if r.remaining > 0 {
		r.remaining -= int64(n)
	}
	if err == io.EOF {
		if r.remaining > 0 {
			err = ErrUnexpectedEOF
		}
		r.finish()
	} else if err == nil && r.remaining == 0 {
		r.finish()
	}
	return n, err
}

func (r *responseBodyReader) Close() error {
	r.finish()
	return nil
}

func (r *responseBodyReader) finish() {
	if r.closed {
		return
	}
	r.closed = true
	r.cr.conn.scheduleNextResponse(r.cr)
}
