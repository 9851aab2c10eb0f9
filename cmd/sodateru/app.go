package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sodateru/sodateru/pkg/chunker"
	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/embeddings"
	"github.com/sodateru/sodateru/pkg/ingest"
	"github.com/sodateru/sodateru/pkg/knowledge"
	"github.com/sodateru/sodateru/pkg/logger"
	"github.com/sodateru/sodateru/pkg/security"
	"github.com/sodateru/sodateru/pkg/tools"
)

// app holds what every subcommand needs once configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
}

func defaultConfigPath() string {
	if p := os.Getenv("SODATERU_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sodateru.yaml"
	}
	return filepath.Join(home, ".sodateru", "config.yaml")
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Options{
		Level:  logger.Level(cfg.Log.Level),
		Format: cfg.Log.Format,
	}); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) openStore(ctx context.Context, opts ...knowledge.Option) (*knowledge.Store, error) {
	store, err := knowledge.Open(ctx, knowledge.FromConfig(a.cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	return store, nil
}

func (a *app) embedder() (embeddings.Embedder, error) {
	return embeddings.NewHTTPProvider(embeddings.OptionsFromConfig(a.cfg.Embedding))
}

func (a *app) ingestor(store ingest.Store, emb embeddings.Embedder) *ingest.Ingestor {
	opts := []ingest.IngestorOption{
		ingest.WithSplitter(chunker.NewRecursive(a.cfg.Graph.ChunkSize, a.cfg.Graph.ChunkOverlap)),
	}
	if a.cfg.Graph.Redact != "off" {
		opts = append(opts, ingest.WithRedactor(security.NewRedactor(a.cfg.Graph.Redact == "strict")))
	}
	return ingest.NewIngestor(store, emb, opts...)
}

// toolRegistry wires the knowledge tools to store.
func (a *app) toolRegistry(store *knowledge.Store) (*tools.Registry, error) {
	emb, err := a.embedder()
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	registry.Timeout = a.cfg.Server.ToolTimeout
	if err := tools.RegisterKnowledgeTools(registry,
		a.ingestor(store, emb),
		ingest.NewSearcher(store, emb),
		store,
	); err != nil {
		return nil, err
	}
	return registry, nil
}
