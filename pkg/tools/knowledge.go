package tools

import (
	"context"
	"fmt"

	"github.com/sodateru/sodateru/pkg/ingest"
	"github.com/sodateru/sodateru/pkg/knowledge"
)

// Names of the knowledge tools.
const (
	UpsertKnowledgeName = "upsert_knowledge"
	QueryKnowledgeName  = "query_knowledge"
	KnowledgeStatsName  = "knowledge_stats"
)

type TextUpserter interface {
	UpsertTexts(ctx context.Context, texts []string) (ingest.IngestResult, error)
}

type TextSearcher interface {
	Search(ctx context.Context, text string, opts ingest.SearchOptions) (ingest.SearchResult, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (knowledge.Stats, error)
}

// UpsertKnowledgeTool chunks, embeds and stores texts. Store failures are
// reported in the JSON result with success=false, not as an error.
type UpsertKnowledgeTool struct {
	ingestor TextUpserter
}

func NewUpsertKnowledgeTool(ingestor TextUpserter) *UpsertKnowledgeTool {
	return &UpsertKnowledgeTool{ingestor: ingestor}
}

func (t *UpsertKnowledgeTool) Name() string {
	return UpsertKnowledgeName
}

func (t *UpsertKnowledgeTool) Description() string {
	return "Chunks text data and adds/updates it to the knowledge graph along with vector representations."
}

func (t *UpsertKnowledgeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"texts": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Array of texts to add to the graph",
			},
		},
		"required": []string{"texts"},
	}
}

func (t *UpsertKnowledgeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	texts, err := stringsArg(t.Name(), args, "texts")
	if err != nil {
		return "", err
	}
	res, _ := t.ingestor.UpsertTexts(ctx, texts)
	return toJSON(res)
}

func stringsArg(tool string, args map[string]interface{}, name string) ([]string, error) {
	switch v := args[name].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &ArgumentError{Tool: tool, Arg: name, Msg: fmt.Sprintf("item %d is not a string", i)}
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, &ArgumentError{Tool: tool, Arg: name, Msg: "is required"}
	}
	return nil, &ArgumentError{Tool: tool, Arg: name, Msg: "must be an array of strings"}
}

// QueryKnowledgeTool ranks stored chunks against a question.
type QueryKnowledgeTool struct {
	searcher TextSearcher
}

func NewQueryKnowledgeTool(searcher TextSearcher) *QueryKnowledgeTool {
	return &QueryKnowledgeTool{searcher: searcher}
}

func (t *QueryKnowledgeTool) Name() string {
	return QueryKnowledgeName
}

func (t *QueryKnowledgeTool) Description() string {
	return "Queries the knowledge graph and retrieves related information."
}

func (t *QueryKnowledgeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"topK": map[string]interface{}{
				"type":        "number",
				"description": fmt.Sprintf("Maximum number of search results to retrieve (default %d)", ingest.DefaultTopK),
			},
			"randomWalkSteps": map[string]interface{}{
				"type":        "number",
				"description": fmt.Sprintf("Number of steps in random walk (default %d)", ingest.DefaultRandomWalkSteps),
			},
			"restartProb": map[string]interface{}{
				"type":        "number",
				"description": fmt.Sprintf("Probability of restarting walk from query node (default %g)", ingest.DefaultRestartProb),
			},
		},
		"required": []string{"query"},
	}
}

func (t *QueryKnowledgeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", &ArgumentError{Tool: t.Name(), Arg: "query", Msg: "is required"}
	}

	var opts ingest.SearchOptions
	if v, ok, err := numberArg(t.Name(), args, "topK"); err != nil {
		return "", err
	} else if ok {
		opts.TopK = int(v)
	}
	if v, ok, err := numberArg(t.Name(), args, "randomWalkSteps"); err != nil {
		return "", err
	} else if ok {
		opts.RandomWalkSteps = int(v)
	}
	if v, ok, err := numberArg(t.Name(), args, "restartProb"); err != nil {
		return "", err
	} else if ok {
		if v > 1 {
			return "", &ArgumentError{Tool: t.Name(), Arg: "restartProb", Msg: "must be between 0 and 1"}
		}
		opts.RestartProb = v
	}

	res, _ := t.searcher.Search(ctx, query, opts)
	return toJSON(res)
}

// KnowledgeStatsTool reports graph and durable counts.
type KnowledgeStatsTool struct {
	source StatsSource
}

func NewKnowledgeStatsTool(source StatsSource) *KnowledgeStatsTool {
	return &KnowledgeStatsTool{source: source}
}

func (t *KnowledgeStatsTool) Name() string {
	return KnowledgeStatsName
}

func (t *KnowledgeStatsTool) Description() string {
	return "Reports how many nodes and edges the knowledge graph holds in memory and in the database."
}

func (t *KnowledgeStatsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *KnowledgeStatsTool) Execute(ctx context.Context, _ map[string]interface{}) (string, error) {
	st, err := t.source.Stats(ctx)
	if err != nil {
		return "", fmt.Errorf("knowledge stats: %w", err)
	}
	return toJSON(st)
}

// RegisterKnowledgeTools adds the three knowledge tools to r.
func RegisterKnowledgeTools(r *Registry, ingestor TextUpserter, searcher TextSearcher, stats StatsSource) error {
	for _, t := range []Tool{
		NewUpsertKnowledgeTool(ingestor),
		NewQueryKnowledgeTool(searcher),
		NewKnowledgeStatsTool(stats),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
