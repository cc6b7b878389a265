// Package handlers holds the worker's built-in request handlers.
package handlers

import (
	"fmt"
	"io"

	"github.com/driftbyte/fcgid/internal/engine"
)

// ByName resolves a configured handler name.
func ByName(name string) (engine.Handler, error) {
	switch name {
	case "", "echo":
		return engine.HandlerFunc(Echo), nil
	case "hello":
		return engine.HandlerFunc(Hello), nil
	default:
		return nil, fmt.Errorf("handlers: unknown handler %q", name)
	}
}

// Echo writes the request body back as plain text.
func Echo(req *engine.Request) {
	out := req.Stdout()
	_, _ = io.WriteString(out, "Content-type: text/plain\r\n\r\n")
	_, _ = out.Write(req.Stdin())
	_ = req.Finish(0)
}

// Hello serves a fixed greeting and reports the common CGI variables
// it saw on the error stream.
func Hello(req *engine.Request) {
	out := req.Stdout()
	_, _ = io.WriteString(out, "Content-type: text/html\r\n\r\n")
	_, _ = io.WriteString(out, "<html><head><title>Hello World</title></head>\n")
	_, _ = fmt.Fprintf(out, "<body><h1>Hello World!</h1><p>%s %s</p></body></html>\n",
		req.Param("REQUEST_METHOD"), req.Param("REQUEST_URI"))
	if req.Param("REMOTE_USER") == "" {
		_, _ = io.WriteString(req.Stderr(), "no REMOTE_USER set\n")
	}
	_ = req.Finish(0)
}
