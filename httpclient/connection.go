// Package httpclient implements Mordor's pipelined HTTP/1.1
// ClientConnection and ClientRequest, ported directly from
// mordor/common/http/client.cpp: many requests share one transport,
// overlapping transmission of one request with reception of another's
// response while preserving per-connection FIFO ordering on both sides.
package httpclient

import (
	"bufio"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"mordor/config"
	"mordor/fiber"
	"mordor/log"
	"mordor/scheduler"
)

// ClientConnection is the pipelined state machine over one Stream. Its
// mutex covers only pointer-shuffling in pending/waitingResponses/flags —
// never I/O — per spec.md §5's shared-resource policy.
type ClientConnection struct {
	log    log.Logger
	sch    scheduler.Scheduler
	stream Stream
	reader *bufio.Reader
	codec  HeaderCodec
	opt    config.ClientConnectionOptions

	mu sync.Mutex

	// pending is the ordered sequence of in-flight requests. Head is the
	// response currently being read; currentRequest is the index of the
	// transmission cursor: everything before it has finished
	// transmitting, everything at or after it has not.
	pending        []*ClientRequest
	currentRequest int

	// waitingResponses holds requests whose owner has called Response
	// but is not yet at pending[0].
	waitingResponses map[*ClientRequest]struct{}

	allowNewRequests    bool
	priorRequestFailed  bool
	priorResponseFailed bool
	priorResponseClosed bool
	flushing            bool // flush latch, see scheduleNextRequest
	closed              bool
}

// NewConnection wraps stream in a pipelined ClientConnection. codec may be
// nil to use DefaultHeaderCodec. opts is defaulted via config.Load, so a
// zero-value config.ClientConnectionOptions{} yields an unbounded pipeline.
func NewConnection(stream Stream, sch scheduler.Scheduler, codec HeaderCodec, opts config.ClientConnectionOptions, logger log.Logger) *ClientConnection {
	if codec == nil {
		codec = DefaultHeaderCodec()
	}
	config.Load(&opts)
	return &ClientConnection{
		log:              logger.Named("mordor.http.client"),
		sch:              sch,
		stream:           stream,
		reader:           bufio.NewReader(stream),
		codec:            codec,
		opt:              opts,
		waitingResponses: make(map[*ClientRequest]struct{}),
		allowNewRequests: true,
	}
}

// NewRequestsAllowed reports whether Request may still be called: false
// once the server indicated close, once a prior request/response failed,
// or once a request on this connection carried Connection: close.
func (c *ClientConnection) NewRequestsAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowNewRequests
}

// Request appends a new request to the pipeline and transmits its
// headers, parking self (the calling fiber) until it is the transmission
// leader if other requests are already ahead of it in the queue.
func (c *ClientConnection) Request(self *fiber.Fiber, req *Request) (*ClientRequest, error) {
	if err := validateRequestHeaders(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.allowNewRequests {
		err := c.closeErrorLocked()
		c.mu.Unlock()
		return nil, err
	}
	if c.opt.MaxPipelineDepth > 0 && len(c.pending) >= c.opt.MaxPipelineDepth {
		c.mu.Unlock()
		return nil, ErrPipelineFull
	}
	cr := &ClientRequest{
		id:   uuid.New(),
		conn: c,
		req:  req,
		self: self,
	}
	c.pending = append(c.pending, cr)
	isLeader := c.currentRequest == len(c.pending)-1
	c.mu.Unlock()

	if !isLeader {
		self.Yield()
		c.mu.Lock()
		if cr.err != nil {
			err := cr.err
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	cr.requestInFlight = true
	c.mu.Unlock()

	c.log.Infof("httpclient: -> %s %s HTTP/%s", req.Method, req.URI, req.Version)
	if c.log.Enabled() {
		c.log.Debugf("httpclient: request dump\n%s", redactedDump(
			fmt.Sprintf("%s %s HTTP/%s", req.Method, req.URI, req.Version), req.Headers))
	}

	if err := c.codec.WriteRequest(c.stream, req); err != nil {
		c.failRequest(cr, fmt.Errorf("%w: %v", ErrPriorRequestFailed, err))
		return nil, err
	}

	if !hasRequestBody(req) {
		c.scheduleNextRequest(cr)
	}
	return cr, nil
}

func hasRequestBody(req *Request) bool {
	if isChunked(req.Headers) {
		return true
	}
	return contentLength(req.Headers) > 0
}

// RequestBodyWriter returns a writer for cr's entity body; closing it
// triggers scheduleNextRequest. It returns an error once cr's request body
// has been closed; it does not itself check that the request declared a
// body (ClientRequest.RequestBody does), and a second call made before the
// first writer is closed is not detected.
func (c *ClientConnection) RequestBodyWriter(cr *ClientRequest) (*requestBodyWriter, error) {
	c.mu.Lock()
	if cr.requestDone {
		c.mu.Unlock()
		return nil, fmt.Errorf("httpclient: request body already closed")
	}
	c.mu.Unlock()
	return &requestBodyWriter{cr: cr, remaining: contentLength(cr.req.Headers)}, nil
}

// scheduleNextRequest is called by the current transmission leader once
// its request body (or headerless request) is fully written. It is the
// direct port of client.cpp's ClientConnection::scheduleNextRequest.
func (c *ClientConnection) scheduleNextRequest(cr *ClientRequest) {
	c.mu.Lock()
	cr.requestDone = true
	cr.requestInFlight = false

	if c.currentRequest < len(c.pending)-1 {
		c.currentRequest++
		next := c.pending[c.currentRequest]
		c.mu.Unlock()
		c.sch.ScheduleFiber(next.self, -1)
		return
	}

	// cr is the last entry: latch flush so a newly queued request
	// (which will see isLeader=false because currentRequest has not
	// advanced yet) cannot start writing until this flush completes.
	c.flushing = true
	c.mu.Unlock()

	flushErr := c.stream.Flush()

	c.mu.Lock()
	c.flushing = false
	c.currentRequest++
	var next *ClientRequest
	if c.currentRequest < len(c.pending) {
		next = c.pending[c.currentRequest]
	}
	c.mu.Unlock()

	if flushErr != nil {
		c.failRequest(cr, fmt.Errorf("%w: flush: %v", ErrPriorRequestFailed, flushErr))
		return
	}
	if next != nil {
		c.sch.ScheduleFiber(next.self, -1)
	}
}

// Response blocks self until cr is at the head of pending and its
// response headers have been parsed, then returns them. Calling it more
// than once returns the cached result.
func (c *ClientConnection) Response(self *fiber.Fiber, cr *ClientRequest) (*Response, error) {
	c.mu.Lock()
	if cr.responseHeadersDone {
		resp, err := cr.resp, cr.err
		c.mu.Unlock()
		return resp, err
	}
	if err := c.responseCloseErrorLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(c.pending) == 0 || c.pending[0] != cr {
		c.waitingResponses[cr] = struct{}{}
		c.mu.Unlock()
		self.Yield()
		c.mu.Lock()
		if cr.err != nil {
			err := cr.err
			c.mu.Unlock()
			return nil, err
		}
		if err := c.responseCloseErrorLocked(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	cr.responseInFlight = true
	c.mu.Unlock()

	resp, err := c.codec.ReadResponse(c.reader)
	if err == nil {
		err = validateResponseHeaders(resp)
	}

	c.mu.Lock()
	if err != nil {
		c.mu.Unlock()
		c.failResponse(cr, err)
		return nil, err
	}
	cr.resp = resp
	cr.responseHeadersDone = true
	mustClose := wantsClose(resp.Version, resp.Headers)
	if !mustClose && responseHasBody(resp) && !isChunked(resp.Headers) && contentLength(resp.Headers) < 0 {
		// Non-chunked response with no determinable length: the body
		// runs until the peer closes the stream, so no further response
		// can ever be read off this connection.
		mustClose = true
	}
	if mustClose {
		c.priorResponseClosed = true
		c.allowNewRequests = false
	}
	c.mu.Unlock()
	return resp, nil
}

// ResponseBodyReader returns a reader for cr's response entity body;
// reaching EOF (or Close) triggers scheduleNextResponse.
func (c *ClientConnection) ResponseBodyReader(cr *ClientRequest) (*responseBodyReader, error) {
	c.mu.Lock()
	if !cr.responseHeadersDone {
		c.mu.Unlock()
		return nil, fmt.Errorf("httpclient: response headers not yet read")
	}
	remaining := contentLength(cr.resp.Headers)
	c.mu.Unlock()
	return &responseBodyReader{cr: cr, r: c.reader, remaining: remaining}, nil
}

// scheduleNextResponse is called once cr's response body has fully
// drained. Direct port of client.cpp's ClientConnection::scheduleNextResponse.
func (c *ClientConnection) scheduleNextResponse(cr *ClientRequest) {
	c.mu.Lock()
	if len(c.pending) == 0 || c.pending[0] != cr {
		c.mu.Unlock()
		c.log.Errorf("httpclient: scheduleNextResponse called for a request not at the head of pending")
		return
	}
	c.pending = c.pending[1:]
	c.currentRequest--
	cr.responseDone = true
	cr.responseInFlight = false

	mustClose := c.priorResponseClosed || c.priorResponseFailed
	if mustClose {
		c.allowNewRequests = false
		closeErr := c.responseCloseErrorLocked()
		waiters := make([]*ClientRequest, 0, len(c.waitingResponses))
		for r := range c.waitingResponses {
			waiters = append(waiters, r)
		}
		c.waitingResponses = make(map[*ClientRequest]struct{})
		for _, r := range waiters {
			r.err = closeErr
		}
		c.mu.Unlock()

		for _, r := range waiters {
			c.sch.ScheduleFiber(r.self, -1)
		}
		// Requests still queued behind the transmission cursor can never
		// receive a response either; wake them with the same sentinel
		// instead of leaving them parked against a dead connection.
		c.scheduleAllWaitingRequests(closeErr)
		c.teardown()
		return
	}

	var toWake *ClientRequest
	if len(c.pending) > 0 {
		head := c.pending[0]
		if head.cancelled {
			toWake = head
		} else if _, waiting := c.waitingResponses[head]; waiting {
			delete(c.waitingResponses, head)
			toWake = head
		}
	}
	c.mu.Unlock()

	if toWake != nil {
		c.sch.ScheduleFiber(toWake.self, -1)
	}
}

// failRequest marks a transmit-side failure: sets priorRequestFailed,
// removes cr from pending, and wakes every other queued request (both
// those still waiting to transmit and those waiting for a response) with
// ErrPriorRequestFailed, then tears the connection down.
func (c *ClientConnection) failRequest(cr *ClientRequest, err error) {
	c.mu.Lock()
	cr.err = err
	c.priorRequestFailed = true
	c.allowNewRequests = false
	c.removeFromPendingLocked(cr)
	c.mu.Unlock()

	c.scheduleAllWaitingRequests(ErrPriorRequestFailed)
	c.scheduleAllWaitingResponses(ErrPriorRequestFailed)
	c.teardown()
}

// failResponse marks a receive-side failure: sets priorResponseFailed and
// wakes every waiter, then tears the stream down.
func (c *ClientConnection) failResponse(cr *ClientRequest, err error) {
	c.mu.Lock()
	cr.err = err
	c.priorResponseFailed = true
	c.allowNewRequests = false
	c.removeFromPendingLocked(cr)
	c.mu.Unlock()

	c.scheduleAllWaitingRequests(ErrPriorRequestFailed)
	c.scheduleAllWaitingResponses(ErrPriorRequestFailed)
	c.teardown()
}

func (c *ClientConnection) removeFromPendingLocked(cr *ClientRequest) {
	for i, r := range c.pending {
		if r == cr {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			if i < c.currentRequest {
				c.currentRequest--
			}
			return
		}
	}
}

// scheduleAllWaitingRequests wakes every request still queued behind the
// transmission cursor (not yet transmitted) with err, as a distinct sweep
// from scheduleAllWaitingResponses — both a transmit failure and a
// receive failure call it independently (SPEC_FULL's supplemented
// features note on why these stay separate methods).
func (c *ClientConnection) scheduleAllWaitingRequests(err error) {
	c.mu.Lock()
	rest := append([]*ClientRequest(nil), c.pending...)
	c.mu.Unlock()

	for _, r := range rest {
		c.mu.Lock()
		if r.requestDone {
			c.mu.Unlock()
			continue
		}
		r.err = err
		c.mu.Unlock()
		c.sch.ScheduleFiber(r.self, -1)
	}
}

// scheduleAllWaitingResponses wakes every request parked in
// waitingResponses with err.
func (c *ClientConnection) scheduleAllWaitingResponses(err error) {
	c.mu.Lock()
	waiters := make([]*ClientRequest, 0, len(c.waitingResponses))
	for r := range c.waitingResponses {
		waiters = append(waiters, r)
	}
	c.waitingResponses = make(map[*ClientRequest]struct{})
	c.mu.Unlock()

	for _, r := range waiters {
		r.err = err
		c.sch.ScheduleFiber(r.self, -1)
	}
}

// teardown closes the underlying stream in both directions and rejects
// further requests. Idempotent.
func (c *ClientConnection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.allowNewRequests = false
	c.mu.Unlock()
	if err := c.stream.Close(); err != nil {
		c.log.Debugf("httpclient: closing stream: %v", err)
	}
}

func (c *ClientConnection) closeErrorLocked() error {
	switch {
	case c.priorRequestFailed, c.priorResponseFailed:
		return ErrPriorRequestFailed
	default:
		return ErrConnectionVoluntarilyClosed
	}
}

// responseCloseErrorLocked mirrors client.cpp's two check sites in its
// response wait path (before parking and again right after waking): a
// queued sibling must discover a close/failure directly instead of
// falling through to a read against a stream teardown is concurrently
// closing. Returns nil if nothing has gone wrong yet.
func (c *ClientConnection) responseCloseErrorLocked() error {
	switch {
	case c.priorRequestFailed, c.priorResponseFailed:
		return ErrPriorRequestFailed
	case c.priorResponseClosed:
		return ErrConnectionVoluntarilyClosed
	default:
		return nil
	}
}

// CheckInvariants verifies the structural invariants spec.md §3 requires
// to hold at every entry/exit of a connection-locked section. It is not
// called automatically on every mutation (that would make every
// production build pay a debug-assertion's cost); tests call it directly,
// matching "an implementation should enforce them in debug mode."
func (c *ClientConnection) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inFlightRequests := 0
	inFlightResponses := 0
	for i, r := range c.pending {
		if r.requestInFlight {
			inFlightRequests++
			if i != c.currentRequest {
				return fmt.Errorf("httpclient: request %d in flight but currentRequest=%d", i, c.currentRequest)
			}
		}
		if r.responseInFlight {
			inFlightResponses++
			if i != 0 {
				return fmt.Errorf("httpclient: response %d in flight but is not pending.front()", i)
			}
		}
		if i > c.currentRequest && (r.requestInFlight || r.responseInFlight) {
			return fmt.Errorf("httpclient: request %d past the cursor has I/O in flight", i)
		}
	}
	if inFlightRequests > 1 {
		return fmt.Errorf("httpclient: %d requests in flight, want at most 1", inFlightRequests)
	}
	if inFlightResponses > 1 {
		return fmt.Errorf("httpclient: %d responses in flight, want at most 1", inFlightResponses)
	}
	if c.currentRequest > len(c.pending) {
		return fmt.Errorf("httpclient: currentRequest=%d past end of pending (len=%d)", c.currentRequest, len(c.pending))
	}
	for i := 0; i < c.currentRequest; i++ {
		if !c.pending[i].requestDone {
			return fmt.Errorf("httpclient: request %d before cursor %d is not requestDone", i, c.currentRequest)
		}
	}
	return nil
}
