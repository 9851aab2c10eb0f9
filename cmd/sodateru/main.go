// Command sodateru manages a knowledge graph stored in PostgreSQL or SQLite:
// ingest text, run ranked queries, serve the tools over HTTP and move
// snapshots in and out.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/ingest"
	"github.com/sodateru/sodateru/pkg/knowledge"
	"github.com/sodateru/sodateru/pkg/logger"
	"github.com/sodateru/sodateru/pkg/scheduler"
	"github.com/sodateru/sodateru/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:               "sodateru",
		Short:             "Knowledge graph store with random-walk retrieval",
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath(), "Config file (YAML or JSON)")

	rootCmd.AddCommand(&cobra.Command{
		Use:               "version",
		Short:             "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sodateru v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and schema, optionally writing the config file",
		RunE:  a.runInit,
	}
	initCmd.Flags().Bool("write-config", false, "Write the effective config to --config")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the knowledge tools over HTTP",
		RunE:  a.runServe,
	})

	upsertCmd := &cobra.Command{
		Use:   "upsert [text...]",
		Short: "Chunk, embed and add texts to the graph",
		RunE:  a.runUpsert,
	}
	upsertCmd.Flags().StringSliceP("file", "f", nil, "Read a text from a file (- for stdin); repeatable")
	rootCmd.AddCommand(upsertCmd)

	queryCmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Rank stored chunks against a question",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runQuery,
	}
	queryCmd.Flags().Int("top-k", ingest.DefaultTopK, "Maximum number of results")
	queryCmd.Flags().Int("steps", ingest.DefaultRandomWalkSteps, "Random walk steps per seed")
	queryCmd.Flags().Float64("restart", ingest.DefaultRestartProb, "Restart probability of the walk")
	queryCmd.Flags().Bool("json", false, "Print the raw JSON result")
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show graph and database counts",
		RunE:  a.runStats,
	})

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every node and edge",
		RunE:  a.runReset,
	}
	resetCmd.Flags().Bool("yes", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import graph snapshots",
	}
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "export [path]",
		Short: "Write the graph to a JSON snapshot (default: snapshot.path)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runSnapshotExport,
	})
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "import <path>",
		Short: "Merge a JSON snapshot into the graph",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runSnapshotImport,
	})
	rootCmd.AddCommand(snapshotCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Interactive query shell",
		RunE:  a.runShell,
	})

	err := rootCmd.ExecuteContext(context.Background())
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	if write, _ := cmd.Flags().GetBool("write-config"); write {
		if err := config.SaveConfig(a.configPath, a.cfg); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", a.configPath)
	}

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Initialized %s store (%s nodes, %s edges, state %s)\n",
		st.Dialect, humanize.Comma(int64(st.StoredNodes)), humanize.Comma(int64(st.StoredEdges)), st.State)
	return nil
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(ctx, knowledge.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := a.toolRegistry(store)
	if err != nil {
		return err
	}

	snapshots, err := scheduler.NewSnapshotService(store, scheduler.Options{
		Schedule: a.cfg.Snapshot.Schedule,
		Path:     a.cfg.SnapshotPath(),
		Enabled:  a.cfg.Snapshot.Enabled,
		OnExit:   a.cfg.Snapshot.OnExit,
		Timeout:  a.cfg.Store.OperationTimeout,
	})
	if err != nil {
		return err
	}
	if err := snapshots.Start(); err != nil && !errors.Is(err, scheduler.ErrDisabled) {
		return err
	}
	defer snapshots.Stop()

	srv := server.New(registry, store, server.Options{
		Addr:           a.cfg.Server.Addr(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Printf("sodateru v%s listening on http://%s\n", version, a.cfg.Server.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoC("server", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) runUpsert(cmd *cobra.Command, args []string) error {
	texts := append([]string(nil), args...)
	files, _ := cmd.Flags().GetStringSlice("file")
	for _, f := range files {
		text, err := readText(f)
		if err != nil {
			return err
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return errors.New("nothing to upsert: pass texts as arguments or with --file")
	}

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	emb, err := a.embedder()
	if err != nil {
		return err
	}
	res, err := a.ingestor(store, emb).UpsertTexts(cmd.Context(), texts)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s nodes total)\n", res.Message, humanize.Comma(int64(res.TotalNodes)))
	return nil
}

func readText(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(bufio.NewReader(os.Stdin))
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

func (a *app) runQuery(cmd *cobra.Command, args []string) error {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	emb, err := a.embedder()
	if err != nil {
		return err
	}

	var opts ingest.SearchOptions
	opts.TopK, _ = cmd.Flags().GetInt("top-k")
	opts.RandomWalkSteps, _ = cmd.Flags().GetInt("steps")
	opts.RestartProb, _ = cmd.Flags().GetFloat64("restart")

	res, err := ingest.NewSearcher(store, emb).Search(cmd.Context(), strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResults(os.Stdout, res)
	return nil
}

func printResults(w io.Writer, res ingest.SearchResult) {
	fmt.Fprintln(w, res.Message)
	for i, r := range res.Results {
		fmt.Fprintf(w, "\n%d. [%s] score %.4f\n%s\n", i+1, r.ID, r.Score, r.Content)
	}
}

func (a *app) runStats(cmd *cobra.Command, args []string) error {
	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	printStats(os.Stdout, st)
	return nil
}

func printStats(w io.Writer, st knowledge.Stats) {
	fmt.Fprintf(w, "State:      %s\n", st.State)
	fmt.Fprintf(w, "Database:   %s\n", st.Dialect)
	fmt.Fprintf(w, "Dimension:  %d\n", st.Dimension)
	fmt.Fprintf(w, "Stored:     %s nodes, %s edges\n", humanize.Comma(int64(st.StoredNodes)), humanize.Comma(int64(st.StoredEdges)))
	if st.GraphPresent {
		fmt.Fprintf(w, "In memory:  %s nodes, %s edges\n", humanize.Comma(int64(st.GraphNodes)), humanize.Comma(int64(st.GraphEdges)))
	} else {
		fmt.Fprintln(w, "In memory:  no graph loaded")
	}
}

func (a *app) runReset(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Print("Delete every node and edge? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Knowledge graph deleted.")
	return nil
}

func (a *app) runSnapshotExport(cmd *cobra.Command, args []string) error {
	path := a.cfg.SnapshotPath()
	if len(args) == 1 {
		path = args[0]
	}

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := scheduler.NewSnapshotService(store, scheduler.Options{Path: path})
	if err != nil {
		return err
	}
	if err := svc.RunOnce(cmd.Context()); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot written to %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
	return nil
}

func (a *app) runSnapshotImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.ImportSnapshot(cmd.Context(), bufio.NewReader(f))
	if err != nil {
		return err
	}
	fmt.Printf("Imported snapshot: %s nodes, %s edges saved (%s nodes total)\n",
		humanize.Comma(int64(res.NodesSaved)), humanize.Comma(int64(res.EdgesSaved)), humanize.Comma(int64(res.NodeCount)))
	return nil
}
