// Command hibossctl is the thin CLI client for the Hi-Boss daemon
// (§6 "CLI surface"): it dials the RPC socket, issues one call built
// from command-line flags, and renders the result as kebab-case
// `key: value` lines.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/evilpsycho42/hi-boss/internal/config"
	"github.com/evilpsycho42/hi-boss/internal/rpc"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if rpcErr, ok := err.(*rpc.Error); ok {
			fmt.Fprintf(os.Stderr, "error: %s\n", rpcErr.Message)
			printErrorData(rpcErr.Data)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	method, rest := extractMethod(args)

	fs := flag.NewFlagSet("hibossctl", flag.ContinueOnError)
	dataDir := fs.String("data-dir", config.DefaultDataDir(), "data directory (used to find the RPC socket)")
	socketPath := fs.String("socket", "", "RPC socket path (overrides -data-dir)")
	token := fs.String("token", os.Getenv("HIBOSS_TOKEN"), "auth token (defaults to $HIBOSS_TOKEN)")
	showVersion := fs.Bool("version", false, "print version and exit")

	params := map[string]string{}
	fs.Func("set", "a `key=value` param to send with the call, repeatable", func(s string) error {
		k, v, ok := splitKV(s)
		if !ok {
			return fmt.Errorf("malformed -set %q, want key=value", s)
		}
		params[k] = v
		return nil
	})

	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if method == "" {
		fmt.Fprintf(os.Stderr, "usage: hibossctl <method> [flags] [-set key=value ...]\n")
		fs.PrintDefaults()
		os.Exit(2)
	}

	sock := *socketPath
	if sock == "" {
		sock = (&config.Config{DataDir: *dataDir}).SocketPath()
	}

	c, err := rpc.Dial(sock, 5*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()

	callParams := map[string]any{}
	for k, v := range params {
		callParams[k] = coerce(v)
	}
	if *token != "" {
		callParams["token"] = *token
	}

	var result map[string]any
	if err := c.Call(method, callParams, &result); err != nil {
		return err
	}
	render(result)
	return nil
}

// extractMethod takes the RPC method name as the first argument
// (e.g. `hibossctl envelope.send -set to=agent:nex -set text=hi`);
// every flag, including repeated -set params, follows it.
func extractMethod(args []string) (method string, rest []string) {
	if len(args) == 0 || len(args[0]) == 0 || args[0][0] == '-' {
		return "", args
	}
	return args[0], args[1:]
}

func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// coerce turns a literal "true"/"false" into a bool so boolean RPC
// params (e.g. clearPending) round-trip correctly; everything else is
// passed through as a string.
func coerce(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	default:
		return v
	}
}

func printErrorData(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	for _, line := range kebabLines(m, "") {
		fmt.Fprintln(os.Stderr, line)
	}
}
