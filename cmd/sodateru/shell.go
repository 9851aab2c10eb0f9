package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/sodateru/sodateru/pkg/ingest"
	"github.com/sodateru/sodateru/pkg/logger"
)

const shellHelp = `Type a question to query the graph. Commands:
  :add <text>     chunk, embed and store text
  :topk <n>       results per query (now %d)
  :stats          show counts
  :help           this help
  :quit           leave the shell
`

func (a *app) runShell(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	emb, err := a.embedder()
	if err != nil {
		return err
	}
	ingestor := a.ingestor(store, emb)
	searcher := ingest.NewSearcher(store, emb)

	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return err
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sodateru> ",
		HistoryFile:     filepath.Join(a.cfg.DataDir, "shell_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       ":quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem(":add"),
			readline.PcItem(":topk"),
			readline.PcItem(":stats"),
			readline.PcItem(":help"),
			readline.PcItem(":quit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	opts := ingest.SearchOptions{TopK: 5}
	out := rl.Stdout()
	fmt.Fprintf(out, shellHelp, opts.TopK)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		cmdName, rest, _ := strings.Cut(line, " ")
		switch {
		case line == "":
		case cmdName == ":quit" || cmdName == ":exit":
			return nil
		case cmdName == ":help":
			fmt.Fprintf(out, shellHelp, opts.TopK)
		case cmdName == ":stats":
			st, err := store.Stats(ctx)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			printStats(out, st)
		case cmdName == ":topk":
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || n <= 0 {
				fmt.Fprintln(out, "usage: :topk <positive number>")
				continue
			}
			opts.TopK = n
		case cmdName == ":add":
			if strings.TrimSpace(rest) == "" {
				fmt.Fprintln(out, "usage: :add <text>")
				continue
			}
			res, err := ingestor.UpsertTexts(ctx, []string{rest})
			if err != nil {
				logger.DebugCF("shell", "Upsert failed", map[string]interface{}{"error": err.Error()})
			}
			fmt.Fprintln(out, res.Message)
		case strings.HasPrefix(cmdName, ":"):
			fmt.Fprintf(out, "unknown command %s (try :help)\n", cmdName)
		default:
			res, _ := searcher.Search(ctx, line, opts)
			printResults(out, res)
		}
	}
}
