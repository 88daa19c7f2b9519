package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/drpcorg/docsync"
	"github.com/drpcorg/docsync/model"
	"github.com/drpcorg/docsync/query"
	"github.com/ergochat/readline"
	"github.com/pkg/errors"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("get"),
	readline.PcItem("set"),
	readline.PcItem("update"),
	readline.PcItem("delete"),

	readline.PcItem("query"),
	readline.PcItem("listen"),
	readline.PcItem("unlisten"),

	readline.PcItem("wait"),
	readline.PcItem("network"),
	readline.PcItem("state"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// REPL drives the interactive shell on top of a running client.
type REPL struct {
	client  *docsync.Client
	rl      *readline.Instance
	listens map[string]func()
}

func (repl *REPL) Open() (err error) {
	repl.listens = make(map[string]func())
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".docsync_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	for _, stop := range repl.listens {
		stop()
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) Loop() {
	for {
		err := repl.step()
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (repl *REPL) step() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return io.EOF
	}
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, rest := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd, rest = line[:ws], strings.TrimSpace(line[ws:])
	}

	ctx := context.Background()
	switch cmd {
	case "help":
		fmt.Print(helpText)
		return nil
	case "get":
		return repl.commandGet(ctx, rest)
	case "set":
		return repl.commandSet(ctx, rest)
	case "update":
		return repl.commandUpdate(ctx, rest)
	case "delete":
		return repl.commandDelete(ctx, rest)
	case "query":
		return repl.commandQuery(ctx, rest)
	case "listen":
		return repl.commandListen(ctx, rest)
	case "unlisten":
		return repl.commandUnlisten(rest)
	case "wait":
		waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return repl.client.WaitForPendingWrites(waitCtx)
	case "network":
		switch rest {
		case "on":
			repl.client.EnableNetwork()
		case "off":
			repl.client.DisableNetwork()
		default:
			return errors.New("network on|off")
		}
		return nil
	case "state":
		fmt.Printf("online=%s primary=%v\n", repl.client.OnlineState(), repl.client.IsPrimary())
		return nil
	case "exit", "quit":
		return io.EOF
	default:
		return errors.Errorf("unknown command %q, try help", cmd)
	}
}

const helpText = `  get    cities/SF
  set    cities/SF {"name": "San Francisco", "population": 870000}
  update cities/SF {"population": 880000}
  delete cities/SF
  query  cities [population > 500000] [limit 10]
  listen cities [population > 500000]
  unlisten cities
  wait            block until pending writes are acknowledged
  network on|off
  state
`

func (repl *REPL) commandGet(ctx context.Context, arg string) error {
	doc, err := repl.client.Get(ctx, arg)
	if err != nil {
		return err
	}
	if !doc.IsFoundDocument() {
		fmt.Printf("%s: not found\n", arg)
		return nil
	}
	return printDocument(doc)
}

func (repl *REPL) commandSet(ctx context.Context, arg string) error {
	path, data, err := splitPathAndBody(arg)
	if err != nil {
		return err
	}
	ack, err := repl.client.Set(ctx, path, data)
	if err != nil {
		return err
	}
	repl.reportAck(path, ack)
	return nil
}

func (repl *REPL) commandUpdate(ctx context.Context, arg string) error {
	path, data, err := splitPathAndBody(arg)
	if err != nil {
		return err
	}
	ack, err := repl.client.Update(ctx, path, data)
	if err != nil {
		return err
	}
	repl.reportAck(path, ack)
	return nil
}

func (repl *REPL) commandDelete(ctx context.Context, arg string) error {
	ack, err := repl.client.Delete(ctx, arg)
	if err != nil {
		return err
	}
	repl.reportAck(arg, ack)
	return nil
}

func (repl *REPL) commandQuery(ctx context.Context, arg string) error {
	q, err := parseQuery(arg)
	if err != nil {
		return err
	}
	docs, err := repl.client.GetAll(ctx, q)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := printDocument(doc); err != nil {
			return err
		}
	}
	fmt.Printf("%d documents\n", len(docs))
	return nil
}

func (repl *REPL) commandListen(ctx context.Context, arg string) error {
	q, err := parseQuery(arg)
	if err != nil {
		return err
	}
	name := strings.Fields(arg)[0]
	if _, dup := repl.listens[name]; dup {
		return errors.Errorf("already listening to %s", name)
	}
	stop, err := repl.client.Listen(ctx, q, func(snap *docsync.ViewSnapshot, err error) {
		if err != nil {
			fmt.Printf("[%s] listen failed: %v\n", name, err)
			return
		}
		origin := "server"
		if snap.FromCache {
			origin = "cache"
		}
		fmt.Printf("[%s] %d documents (%s)\n", name, snap.Documents.Len(), origin)
		for _, ch := range snap.Changes {
			fmt.Printf("[%s]   %c %s\n", name, ch.Kind, ch.Doc.Key)
		}
	})
	if err != nil {
		return err
	}
	repl.listens[name] = stop
	return nil
}

func (repl *REPL) commandUnlisten(arg string) error {
	stop, ok := repl.listens[arg]
	if !ok {
		return errors.Errorf("not listening to %q", arg)
	}
	stop()
	delete(repl.listens, arg)
	return nil
}

// reportAck prints the server's verdict in the background; the prompt
// stays responsive while the write is in flight.
func (repl *REPL) reportAck(path string, ack <-chan error) {
	go func() {
		if err := <-ack; err != nil {
			fmt.Printf("write %s rejected: %v\n", path, err)
		} else {
			fmt.Printf("write %s acknowledged\n", path)
		}
	}()
}

func splitPathAndBody(arg string) (string, map[string]any, error) {
	ws := strings.IndexAny(arg, " \t")
	if ws < 0 {
		return "", nil, errors.New("usage: <path> <json-object>")
	}
	path := arg[:ws]
	var data map[string]any
	if err := json.Unmarshal([]byte(arg[ws:]), &data); err != nil {
		return "", nil, errors.Wrap(err, "bad JSON body")
	}
	return path, data, nil
}

// parseQuery understands "collection [field op value] [limit n]"; value
// is JSON.
func parseQuery(arg string) (query.Query, error) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return query.Query{}, errors.New("usage: <collection> [field op value] [limit n]")
	}
	rp, err := model.ParseResourcePath(fields[0])
	if err != nil {
		return query.Query{}, err
	}
	q := query.NewCollectionQuery(rp)
	rest := fields[1:]

	if len(rest) >= 2 && rest[len(rest)-2] == "limit" {
		n, err := strconv.ParseInt(rest[len(rest)-1], 10, 64)
		if err != nil {
			return query.Query{}, errors.Wrap(err, "bad limit")
		}
		q = q.WithLimit(n, query.LimitFirst)
		rest = rest[:len(rest)-2]
	}
	if len(rest) > 0 {
		if len(rest) != 3 {
			return query.Query{}, errors.New("filter is: field op value")
		}
		fp, err := model.ParseFieldPath(rest[0])
		if err != nil {
			return query.Query{}, err
		}
		var raw any
		if err := json.Unmarshal([]byte(rest[2]), &raw); err != nil {
			return query.Query{}, errors.Wrap(err, "bad filter value")
		}
		v, err := docsync.ValueFromGo(raw)
		if err != nil {
			return query.Query{}, err
		}
		q = q.WithFilter(query.Field(fp, query.Operator(rest[1]), v))
	}
	return q, nil
}

func printDocument(doc *model.MutableDocument) error {
	body, err := json.Marshal(docsync.GoFromValue(doc.Data.Value()))
	if err != nil {
		return err
	}
	pending := ""
	if doc.HasPendingWrites() {
		pending = " *"
	}
	fmt.Printf("%s%s %s\n", doc.Key, pending, body)
	return nil
}
