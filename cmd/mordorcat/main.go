// Command mordorcat is a tiny example client exercising the fiber,
// scheduler and httpclient packages end to end: it dials a plain HTTP/1.1
// server, issues one GET from inside a fiber, and streams the response to
// stdout. Modeled on main.go's flag-driven CLI shape, generalized from "run
// a class file" to "fetch a URL".
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"mordor/config"
	"mordor/fiber"
	"mordor/httpclient"
	"mordor/log"
	"mordor/scheduler"
)

// netStream adapts a net.Conn to httpclient.Stream. Flush is a no-op since
// a TCP connection has no userspace write buffer to push.
type netStream struct {
	net.Conn
}

func (s netStream) Flush() error { return nil }

func (s netStream) CloseWrite() error {
	if cw, ok := s.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Conn.Close()
}

func main() {
	verbose := flag.Bool("v", false, "verbose mode - log fiber/scheduler/connection activity")
	timeout := flag.Duration("timeout", 10*time.Second, "TCP connect timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Println("Usage: mordorcat [-v] [-timeout d] <http-url>")
		fmt.Println()
		fmt.Println("A minimal pipelined HTTP/1.1 client built on Mordor's fiber runtime")
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  mordorcat http://example.test/")
		fmt.Println("  mordorcat -v http://example.test:8080/status")
		os.Exit(1)
	}

	target, err := url.Parse(args[0])
	if err != nil || target.Scheme != "http" || target.Host == "" {
		fmt.Fprintf(os.Stderr, "mordorcat: only absolute http:// URLs are supported\n")
		os.Exit(1)
	}

	logger := log.Noop()
	if *verbose {
		zl, zerr := zap.NewDevelopment()
		if zerr == nil {
			logger = log.New(zl)
		}
	}

	hostport := target.Host
	if !strings.Contains(hostport, ":") {
		hostport += ":80"
	}

	conn, err := net.DialTimeout("tcp", hostport, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mordorcat: dial %s: %v\n", hostport, err)
		os.Exit(1)
	}

	schedOpts := config.SchedulerOptions{UseCaller: true}
	if err := config.Load(&schedOpts); err != nil {
		fmt.Fprintf(os.Stderr, "mordorcat: applying scheduler defaults: %v\n", err)
		os.Exit(1)
	}
	pool := scheduler.New("mordorcat", schedOpts.Threads, schedOpts.UseCaller, logger)
	pool.Start()

	client := httpclient.NewConnection(netStream{conn}, pool, nil, config.ClientConnectionOptions{}, logger)

	path := target.RequestURI()
	if path == "" {
		path = "/"
	}

	exitCode := 0
	worker := fiber.New("mordorcat.get", func(self *fiber.Fiber) {
		defer pool.Stop()

		req := &httpclient.Request{
			Method:  "GET",
			URI:     path,
			Version: "1.1",
			Headers: textproto.MIMEHeader{
				"Host":       {target.Host},
				"Connection": {"close"},
			},
		}

		cr, err := client.Request(self, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mordorcat: request: %v\n", err)
			exitCode = 1
			return
		}
		resp, err := cr.Response(self)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mordorcat: response: %v\n", err)
			exitCode = 1
			return
		}

		fmt.Printf("HTTP/%s %d %s\n", resp.Version, resp.StatusCode, resp.Reason)
		for k, vs := range resp.Headers {
			for _, v := range vs {
				fmt.Printf("%s: %s\n", k, v)
			}
		}
		fmt.Println()

		body, err := cr.ResponseBody()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mordorcat: response body: %v\n", err)
			exitCode = 1
			return
		}
		if _, err := io.Copy(os.Stdout, body); err != nil {
			fmt.Fprintf(os.Stderr, "mordorcat: reading body: %v\n", err)
			exitCode = 1
		}
	})

	pool.ScheduleFiber(worker, -1)
	pool.Dispatch()

	os.Exit(exitCode)
}
