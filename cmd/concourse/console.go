package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/peterh/liner"

	"github.com/concoursedb/concourse/internal/engine"
	"github.com/concoursedb/concourse/internal/tval"
)

// console is the interactive read/write shell over a live Engine (§6's
// `console` surface), grounded on cmd/sloty's REPL: a [liner.State] prompt
// with history, a whitespace-split command line, and a switch over the
// first word. Values are always treated as strings here; a real client
// embeds the Engine directly and gets the full [tval.Value] kind set.
type console struct {
	eng *engine.Engine
	env string
	ln  *liner.State
}

func cmdConsole(ctx context.Context, args []string) int {
	env := "default"

	for i := 0; i < len(args); i++ {
		if (args[i] == "-e" || args[i] == "--environment") && i+1 < len(args) {
			env = args[i+1]
			i++
		}
	}

	eng, err := openEngine(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "console:", err)
		return exitRuntime
	}

	c := &console{eng: eng, env: env}

	if err := c.run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "console:", err)
		return exitRuntime
	}

	return exitOK
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".concourse_console_history")
}

func (c *console) run(ctx context.Context) error {
	c.ln = liner.NewLiner()
	defer c.ln.Close()

	c.ln.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = c.ln.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("concourse console (environment=%q). Type 'help' for commands.\n", c.env)

	for {
		line, err := c.ln.Prompt("concourse> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		c.ln.AppendHistory(line)

		if !c.dispatch(ctx, line) {
			break
		}
	}

	if f, err := os.Create(historyFile()); err == nil {
		_, _ = c.ln.WriteHistory(f)
		_ = f.Close()
	}

	return nil
}

// dispatch runs one command line, returning false when the console should
// exit.
func (c *console) dispatch(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Println("Bye!")
		return false

	case "help", "?":
		c.printHelp()

	case "env":
		if len(args) == 1 {
			c.env = args[0]
		}
		fmt.Println(c.env)

	case "add":
		c.cmdAddRemove(ctx, args, true)

	case "remove":
		c.cmdAddRemove(ctx, args, false)

	case "set":
		c.cmdSet(ctx, args)

	case "get":
		c.cmdGet(ctx, args)

	case "describe":
		c.cmdDescribe(ctx, args)

	case "browse":
		c.cmdBrowse(ctx, args)

	default:
		fmt.Printf("unknown command %q (type 'help')\n", cmd)
	}

	return true
}

func (c *console) printHelp() {
	fmt.Print(`Commands:
  env [name]                     Show or switch the current environment
  add <record> <key> <value>     Add a string value at (record, key)
  remove <record> <key> <value>  Remove a string value at (record, key)
  set <record> <key> <value>     Replace (record, key) with a single value
  get <record> <key>             Show current values at (record, key)
  describe <record>              List every key set on a record
  browse <record>                Show every key and its values on a record
  exit                           Leave the console
`)
}

func (c *console) parseRecord(s string) (tval.Identifier, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fmt.Printf("invalid record id %q: %v\n", s, err)
		return 0, false
	}

	return tval.Identifier(n), true
}

func (c *console) cmdAddRemove(ctx context.Context, args []string, add bool) {
	if len(args) != 3 {
		fmt.Println("usage: add|remove <record> <key> <value>")
		return
	}

	record, ok := c.parseRecord(args[0])
	if !ok {
		return
	}

	value := tval.NewString(args[2])

	var (
		changed bool
		version uint64
		err     error
	)

	if add {
		changed, version, err = c.eng.Add(ctx, c.env, "", record, tval.Key(args[1]), value)
	} else {
		changed, version, err = c.eng.Remove(ctx, c.env, "", record, tval.Key(args[1]), value)
	}

	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Printf("changed=%v version=%d\n", changed, version)
}

func (c *console) cmdSet(ctx context.Context, args []string) {
	if len(args) != 3 {
		fmt.Println("usage: set <record> <key> <value>")
		return
	}

	record, ok := c.parseRecord(args[0])
	if !ok {
		return
	}

	version, err := c.eng.Set(ctx, c.env, "", record, tval.Key(args[1]), tval.NewString(args[2]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println("version:", version)
}

func (c *console) cmdGet(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Println("usage: get <record> <key>")
		return
	}

	record, ok := c.parseRecord(args[0])
	if !ok {
		return
	}

	values, err := c.eng.Get(ctx, c.env, "", record, tval.Key(args[1]), 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, v := range values {
		fmt.Println(" -", truncateDisplay(v.String()))
	}
}

// truncateDisplay bounds a value's on-screen width so a stray blob or long
// string doesn't blow out the terminal, matching cmd/sloty's own
// go-runewidth-based truncation of printed values.
func truncateDisplay(s string) string {
	const maxWidth = 120
	return runewidth.Truncate(s, maxWidth, "...")
}

func (c *console) cmdDescribe(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: describe <record>")
		return
	}

	record, ok := c.parseRecord(args[0])
	if !ok {
		return
	}

	keys, err := c.eng.Describe(ctx, c.env, "", record, 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, k := range keys {
		fmt.Println(" -", string(k))
	}
}

func (c *console) cmdBrowse(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: browse <record>")
		return
	}

	record, ok := c.parseRecord(args[0])
	if !ok {
		return
	}

	fields, err := c.eng.Browse(ctx, c.env, "", record, 0)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for k, values := range fields {
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = truncateDisplay(v.String())
		}

		fmt.Printf(" %s: %s\n", k, strings.Join(strs, ", "))
	}
}
