package httpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"mordor/config"
	"mordor/fiber"
	"mordor/log"
	"mordor/scheduler"
)

// fakeStream is a minimal in-memory duplex Stream built from two
// unidirectional io.Pipes, standing in for a real socket in tests.
type fakeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *fakeStream) Flush() error                { return nil }
func (s *fakeStream) CloseWrite() error           { return s.w.Close() }
func (s *fakeStream) Close() error {
	s.w.Close()
	s.r.Close()
	return nil
}

// newFakeDuplex returns a connected pair: clientSide and serverSide, where
// writes on one arrive as reads on the other.
func newFakeDuplex() (clientSide, serverSide *fakeStream) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	clientSide = &fakeStream{r: s2cR, w: c2sW}
	serverSide = &fakeStream{r: c2sR, w: s2cW}
	return
}

func newReq(t *testing.T, method, uri string) *Request {
	t.Helper()
	return &Request{
		Method:  method,
		URI:     uri,
		Version: "1.1",
		Headers: textproto.MIMEHeader{"Host": {"example.test"}},
	}
}

// fakeServer reads n requests (request-line + headers + any declared
// body) off s and answers each with a 200 response whose body comes from
// bodyFor. Bodies must be drained: the pipe-backed stream has no buffer,
// so a client blocked writing its body deadlocks against a server blocked
// writing its response otherwise.
func fakeServer(s *fakeStream, n int, bodyFor func(i int) string) {
	r := bufio.NewReader(s)
	tp := textproto.NewReader(r)
	for i := 0; i < n; i++ {
		if _, err := tp.ReadLine(); err != nil {
			return
		}
		h, err := tp.ReadMIMEHeader()
		if err != nil {
			return
		}
		if cl := contentLength(h); cl > 0 {
			if _, err := io.CopyN(io.Discard, r, cl); err != nil {
				return
			}
		}
		body := bodyFor(i)
		fmt.Fprintf(s, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	}
}

func TestPipelinedGETsReturnInOrder(t *testing.T) {
	pool := scheduler.New(t.Name(), 4, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, server := newFakeDuplex()
	go fakeServer(server, 3, func(i int) string { return fmt.Sprintf("body-%d", i) })

	conn := NewConnection(client, pool, nil, config.ClientConnectionOptions{}, log.Noop())

	var mu sync.Mutex
	got := make([]string, 3)
	var errs []error
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		idx := i
		wg.Add(1)
		f := fiber.New(fmt.Sprintf("req-%d", idx), func(self *fiber.Fiber) {
			defer wg.Done()
			cr, err := conn.Request(self, newReq(t, "GET", fmt.Sprintf("/%d", idx)))
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("request %d: %w", idx, err))
				mu.Unlock()
				return
			}
			if _, err := cr.Response(self); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("response %d: %w", idx, err))
				mu.Unlock()
				return
			}
			body, err := cr.ResponseBody()
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("response body %d: %w", idx, err))
				mu.Unlock()
				return
			}
			b, err := io.ReadAll(body)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("read body %d: %w", idx, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			got[idx] = string(b)
			mu.Unlock()
		})
		pool.ScheduleFiber(f, -1)
	}

	waitOrTimeout(t, &wg, 2*time.Second)

	for _, err := range errs {
		t.Error(err)
	}
	want := []string{"body-0", "body-1", "body-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d body = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRequestBodyAdvancesCursorOnClose(t *testing.T) {
	pool := scheduler.New(t.Name(), 4, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, server := newFakeDuplex()
	go fakeServer(server, 2, func(i int) string { return "ok" })

	conn := NewConnection(client, pool, nil, config.ClientConnectionOptions{}, log.Noop())

	firstBodyWritten := make(chan struct{})
	secondStarted := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	req1 := newReq(t, "PUT", "/1")
	req1.Headers.Set("Content-Length", "5")

	wg.Add(1)
	f1 := fiber.New("req-1", func(self *fiber.Fiber) {
		defer wg.Done()
		cr, err := conn.Request(self, req1)
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}
		body, err := cr.RequestBody()
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}
		if _, err := body.Write([]byte("hello")); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}

		select {
		case <-secondStarted:
			mu.Lock()
			errs = append(errs, fmt.Errorf("request 2 started before request 1's body closed"))
			mu.Unlock()
		default:
		}

		body.Close()
		close(firstBodyWritten)
		if _, err := cr.Response(self); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}
		respBody, err := cr.ResponseBody()
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}
		if _, err := io.ReadAll(respBody); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})

	wg.Add(1)
	f2 := fiber.New("req-2", func(self *fiber.Fiber) {
		defer wg.Done()
		<-firstBodyWritten
		close(secondStarted)
		cr, err := conn.Request(self, newReq(t, "GET", "/2"))
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return
		}
		if _, err := cr.Response(self); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	})

	pool.ScheduleFiber(f1, -1)
	pool.ScheduleFiber(f2, -1)

	waitOrTimeout(t, &wg, 2*time.Second)
	for _, err := range errs {
		t.Error(err)
	}
}

func TestCloseMidPipelineFailsQueuedResponse(t *testing.T) {
	pool := scheduler.New(t.Name(), 4, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, server := newFakeDuplex()
	go func() {
		r := bufio.NewReader(server)
		tp := textproto.NewReader(r)
		// answer request A with Connection: close, body "X", and never
		// answer B or C at all, matching spec.md's "close mid-pipeline"
		// scenario.
		for i := 0; i < 3; i++ {
			if _, err := tp.ReadLine(); err != nil {
				return
			}
			if _, err := tp.ReadMIMEHeader(); err != nil {
				return
			}
		}
		fmt.Fprintf(server, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\nConnection: close\r\n\r\nX")
		server.Close()
	}()

	conn := NewConnection(client, pool, nil, config.ClientConnectionOptions{}, log.Noop())

	req1Sent := make(chan struct{})
	req2Sent := make(chan struct{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstBody string
	var firstErr, secondErr, thirdErr error

	wg.Add(1)
	f1 := fiber.New("req-1", func(self *fiber.Fiber) {
		defer wg.Done()
		cr, err := conn.Request(self, newReq(t, "GET", "/1"))
		close(req1Sent)
		if err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		if _, err := cr.Response(self); err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		body, err := cr.ResponseBody()
		if err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		b, err := io.ReadAll(body)
		mu.Lock()
		firstBody, firstErr = string(b), err
		mu.Unlock()
	})

	wg.Add(1)
	f2 := fiber.New("req-2", func(self *fiber.Fiber) {
		defer wg.Done()
		<-req1Sent
		cr, err := conn.Request(self, newReq(t, "GET", "/2"))
		close(req2Sent)
		if err != nil {
			mu.Lock()
			secondErr = err
			mu.Unlock()
			return
		}
		_, err = cr.Response(self)
		mu.Lock()
		secondErr = err
		mu.Unlock()
	})

	wg.Add(1)
	f3 := fiber.New("req-3", func(self *fiber.Fiber) {
		defer wg.Done()
		<-req2Sent
		cr, err := conn.Request(self, newReq(t, "GET", "/3"))
		if err != nil {
			mu.Lock()
			thirdErr = err
			mu.Unlock()
			return
		}
		_, err = cr.Response(self)
		mu.Lock()
		thirdErr = err
		mu.Unlock()
	})

	pool.ScheduleFiber(f1, -1)
	pool.ScheduleFiber(f2, -1)
	pool.ScheduleFiber(f3, -1)

	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		t.Errorf("request 1 should complete successfully, got %v", firstErr)
	}
	if firstBody != "X" {
		t.Errorf("request 1 body = %q, want %q", firstBody, "X")
	}
	if !errors.Is(secondErr, ErrConnectionVoluntarilyClosed) {
		t.Errorf("request 2 error = %v, want ErrConnectionVoluntarilyClosed", secondErr)
	}
	if !errors.Is(thirdErr, ErrConnectionVoluntarilyClosed) {
		t.Errorf("request 3 error = %v, want ErrConnectionVoluntarilyClosed", thirdErr)
	}
	if conn.NewRequestsAllowed() {
		t.Error("NewRequestsAllowed should be false after a Connection: close response tears the connection down")
	}
}

// TestIndeterminateLengthResponseForcesClose covers the last §4.H header
// rule: a non-chunked response with no Content-Length has no determinable
// end short of the peer closing the stream, so the connection must stop
// accepting requests the moment such response headers are parsed, and
// every request already queued behind it must fail with the close
// sentinel instead of waiting forever for a response that cannot come.
func TestIndeterminateLengthResponseForcesClose(t *testing.T) {
	pool := scheduler.New(t.Name(), 4, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, server := newFakeDuplex()
	go func() {
		r := bufio.NewReader(server)
		tp := textproto.NewReader(r)
		// Read both pipelined requests, then answer the first with no
		// Content-Length or Transfer-Encoding and close: the body is
		// delimited only by EOF.
		for i := 0; i < 2; i++ {
			if _, err := tp.ReadLine(); err != nil {
				return
			}
			if _, err := tp.ReadMIMEHeader(); err != nil {
				return
			}
		}
		fmt.Fprintf(server, "HTTP/1.1 200 OK\r\n\r\nhello")
		server.Close()
	}()

	conn := NewConnection(client, pool, nil, config.ClientConnectionOptions{}, log.Noop())

	req1Sent := make(chan struct{})
	headersParsed := make(chan struct{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstBody string
	var firstErr, secondErr, thirdErr error

	wg.Add(1)
	f1 := fiber.New("req-1", func(self *fiber.Fiber) {
		defer wg.Done()
		cr, err := conn.Request(self, newReq(t, "GET", "/1"))
		close(req1Sent)
		if err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		if _, err := cr.Response(self); err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		if conn.NewRequestsAllowed() {
			mu.Lock()
			firstErr = fmt.Errorf("NewRequestsAllowed still true after indeterminate-length response headers")
			mu.Unlock()
		}
		close(headersParsed)
		body, err := cr.ResponseBody()
		if err != nil {
			mu.Lock()
			firstErr = err
			mu.Unlock()
			return
		}
		b, err := io.ReadAll(body)
		mu.Lock()
		firstBody = string(b)
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	})

	wg.Add(1)
	f2 := fiber.New("req-2", func(self *fiber.Fiber) {
		defer wg.Done()
		<-req1Sent
		cr, err := conn.Request(self, newReq(t, "GET", "/2"))
		if err != nil {
			mu.Lock()
			secondErr = err
			mu.Unlock()
			return
		}
		_, err = cr.Response(self)
		mu.Lock()
		secondErr = err
		mu.Unlock()
	})

	wg.Add(1)
	f3 := fiber.New("req-3", func(self *fiber.Fiber) {
		defer wg.Done()
		<-headersParsed
		_, err := conn.Request(self, newReq(t, "GET", "/3"))
		mu.Lock()
		thirdErr = err
		mu.Unlock()
	})

	pool.ScheduleFiber(f1, -1)
	pool.ScheduleFiber(f2, -1)
	pool.ScheduleFiber(f3, -1)

	waitOrTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		t.Errorf("request 1 should complete successfully, got %v", firstErr)
	}
	if firstBody != "hello" {
		t.Errorf("request 1 body = %q, want %q", firstBody, "hello")
	}
	if !errors.Is(secondErr, ErrConnectionVoluntarilyClosed) {
		t.Errorf("request 2 error = %v, want ErrConnectionVoluntarilyClosed", secondErr)
	}
	if !errors.Is(thirdErr, ErrConnectionVoluntarilyClosed) {
		t.Errorf("request 3 error = %v, want ErrConnectionVoluntarilyClosed", thirdErr)
	}
	if conn.NewRequestsAllowed() {
		t.Error("NewRequestsAllowed should stay false after the connection closes")
	}
}

// blockingFlushStream wraps a fakeStream, recording everything written
// and blocking Flush until released, so a test can hold the flush latch
// open while a second request queues behind it.
type blockingFlushStream struct {
	*fakeStream
	mu        sync.Mutex
	recorded  []byte
	release   chan struct{}
	flushing  chan struct{} // closed once Flush has been entered
	flushOnce sync.Once
}

func (s *blockingFlushStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.recorded = append(s.recorded, p...)
	s.mu.Unlock()
	return s.fakeStream.Write(p)
}

func (s *blockingFlushStream) Flush() error {
	s.flushOnce.Do(func() { close(s.flushing) })
	<-s.release
	return nil
}

func (s *blockingFlushStream) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.recorded)
}

func TestSlowFlushParksNewlyQueuedRequest(t *testing.T) {
	pool := scheduler.New(t.Name(), 4, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, server := newFakeDuplex()
	stream := &blockingFlushStream{
		fakeStream: client,
		release:    make(chan struct{}),
		flushing:   make(chan struct{}),
	}
	go fakeServer(server, 2, func(i int) string { return "ok" })

	conn := NewConnection(stream, pool, nil, config.ClientConnectionOptions{}, log.Noop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	req1 := newReq(t, "PUT", "/1")
	req1.Headers.Set("Content-Length", "5")

	wg.Add(1)
	f1 := fiber.New("req-1", func(self *fiber.Fiber) {
		defer wg.Done()
		cr, err := conn.Request(self, req1)
		if err != nil {
			fail(err)
			return
		}
		body, err := cr.RequestBody()
		if err != nil {
			fail(err)
			return
		}
		if _, err := body.Write([]byte("hello")); err != nil {
			fail(err)
			return
		}
		body.Close() // enters the blocked Flush
		if _, err := cr.Response(self); err != nil {
			fail(err)
			return
		}
		respBody, err := cr.ResponseBody()
		if err != nil {
			fail(err)
			return
		}
		if _, err := io.ReadAll(respBody); err != nil {
			fail(err)
		}
	})
	pool.ScheduleFiber(f1, -1)

	<-stream.flushing

	wg.Add(1)
	f2 := fiber.New("req-2", func(self *fiber.Fiber) {
		defer wg.Done()
		cr, err := conn.Request(self, newReq(t, "GET", "/2"))
		if err != nil {
			fail(err)
			return
		}
		if _, err := cr.Response(self); err != nil {
			fail(err)
			return
		}
		respBody, err := cr.ResponseBody()
		if err != nil {
			fail(err)
			return
		}
		if _, err := io.ReadAll(respBody); err != nil {
			fail(err)
		}
	})
	pool.ScheduleFiber(f2, -1)

	// B must stay parked while A's flush is held open: nothing of B's
	// request may reach the wire yet.
	time.Sleep(50 * time.Millisecond)
	if w := stream.written(); strings.Contains(w, "GET /2") {
		t.Fatalf("request 2 reached the wire during request 1's flush:\n%s", w)
	}

	close(stream.release)
	waitOrTimeout(t, &wg, 2*time.Second)
	for _, err := range errs {
		t.Error(err)
	}

	w := stream.written()
	bodyAt := strings.Index(w, "hello")
	req2At := strings.Index(w, "GET /2")
	if bodyAt < 0 || req2At < 0 || req2At < bodyAt {
		t.Fatalf("wire order wrong: want request 1's body before request 2's headers:\n%s", w)
	}
}

func TestCheckInvariantsOnFreshConnection(t *testing.T) {
	pool := scheduler.New(t.Name(), 1, false, log.Noop())
	pool.Start()
	defer pool.Stop()

	client, _ := newFakeDuplex()
	conn := NewConnection(client, pool, nil, config.ClientConnectionOptions{}, log.Noop())
	if err := conn.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants on fresh connection: %v", err)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for fibers to finish")
	}
}
