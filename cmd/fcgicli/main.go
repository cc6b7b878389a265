// fcgicli issues a single FastCGI request against a running worker and
// prints the response streams, for smoke-testing a deployment without a
// web server in front.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/driftbyte/fcgid/internal/client"
	"github.com/driftbyte/fcgid/internal/fcgi"
	"github.com/driftbyte/fcgid/internal/observability"
)

var (
	version = "0.1.0"
	build   = "dev"
)

// paramList collects repeated -param NAME=VALUE flags in order.
type paramList struct {
	pairs *fcgi.Pairs
}

func (p *paramList) String() string {
	if p.pairs == nil {
		return ""
	}
	return strings.Join(p.pairs.Names(), ",")
}

func (p *paramList) Set(raw string) error {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=VALUE, got %q", raw)
	}
	p.pairs.Set(name, value)
	return nil
}

func main() {
	params := paramList{pairs: fcgi.NewPairs()}
	var (
		addr        = flag.String("addr", "127.0.0.1:9000", "worker address (host:port or unix:/path)")
		body        = flag.String("body", "", "request body; \"-\" reads stdin")
		timeout     = flag.Duration("timeout", 5*time.Second, "request deadline")
		getValues   = flag.Bool("get-values", false, "query worker capabilities instead of sending a request")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Var(&params, "param", "request parameter NAME=VALUE (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fcgicli v%s (build: %s)\n", version, build)
		return
	}

	log := observability.InitLogger("fcgicli")

	c, err := client.Dial(*addr, *timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer c.Close()

	if *getValues {
		values, err := c.GetValues(*timeout, fcgi.VarMaxConns, fcgi.VarMaxReqs, fcgi.VarMpxsConns)
		if err != nil {
			log.Fatal().Err(err).Msg("get values")
		}
		for _, name := range values.Names() {
			fmt.Printf("%s=%s\n", name, values.Value(name))
		}
		return
	}

	var stdin []byte
	if *body == "-" {
		stdin, err = io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal().Err(err).Msg("read stdin")
		}
	} else {
		stdin = []byte(*body)
	}
	if _, ok := params.pairs.Get("REQUEST_METHOD"); !ok {
		method := "GET"
		if len(stdin) > 0 {
			method = "POST"
		}
		params.pairs.Set("REQUEST_METHOD", method)
	}

	resp, err := c.Do(params.pairs, stdin, *timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("request failed")
	}
	if _, err := os.Stdout.Write(resp.Stdout); err != nil {
		log.Fatal().Err(err).Msg("write stdout")
	}
	if len(resp.Stderr) > 0 {
		_, _ = os.Stderr.Write(resp.Stderr)
	}
	if resp.AppStatus != 0 {
		log.Warn().Int32("app_status", resp.AppStatus).Msg("application reported failure")
		os.Exit(1)
	}
}
