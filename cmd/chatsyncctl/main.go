package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "per-command timeout (ignored by watch)")
	flag.Parse()

	if err := config.LoadDotEnv(".env", session.EnvPath()); err != nil {
		fatal(err)
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatal(err)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg.DefaultSession)
	if err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
	}

	cmd := &command{c: c, json: *jsonFlag}
	if err := cmd.run(ctx, args[0], args[1:]); err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] [--timeout <d>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon and sync status")
	fmt.Fprintln(os.Stderr, "  chats                         List chats, pinned first")
	fmt.Fprintln(os.Stderr, "  sync                          Refresh the chat list from the server")
	fmt.Fprintln(os.Stderr, "  pin <chat> | unpin <chat>     Pin or unpin a chat")
	fmt.Fprintln(os.Stderr, "  mute <chat> <8h|always|RFC3339|off>")
	fmt.Fprintln(os.Stderr, "  set <chat> <field> <value>    Change a device-local chat setting")
	fmt.Fprintln(os.Stderr, "  read <chat>                   Mark a chat read")
	fmt.Fprintln(os.Stderr, "  purge <chat>                  Remove a chat from this device")
	fmt.Fprintln(os.Stderr, "  open <chat> | more <chat> | window <chat> | close <chat>")
	fmt.Fprintln(os.Stderr, "  send <chat> <text> [reply-to]")
	fmt.Fprintln(os.Stderr, "  react <message> <reaction>")
	fmt.Fprintln(os.Stderr, "  delete <message> [self|everyone]")
	fmt.Fprintln(os.Stderr, "  search <query> [chat]")
	fmt.Fprintln(os.Stderr, "  watch [namespace]             Stream change events")
	fmt.Fprintln(os.Stderr, "  members add <chat> <user>...")
	fmt.Fprintln(os.Stderr, "  rename <chat> <name>")
	fmt.Fprintln(os.Stderr, "  leave <chat>")
	fmt.Fprintln(os.Stderr, "  role <chat> <user> <role>")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
