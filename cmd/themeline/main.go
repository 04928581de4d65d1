package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"themeline/internal/embedding"
	"themeline/internal/gateway"
	"themeline/internal/logging"
	"themeline/internal/pipeline"
	"themeline/internal/progress"
	"themeline/internal/purpose"
	"themeline/internal/source"
)

var (
	// Global flags
	verbose    bool
	apiKey     string
	model      string
	embedModel string

	// extract flags
	sourcesPath  string
	purposeName  string
	profilesPath string
	outputPath   string
	useStub      bool
	showProgress bool
	timeout      time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "themeline",
	Short: "themeline - thematic extraction from research sources",
	Long: `themeline ingests research sources (papers, video and podcast
transcripts, social posts) and distills them into deduplicated, weighted
themes with full provenance back to the codes and sources each theme came
from.

The pipeline runs familiarization (semantic embedding), open coding,
theme generation, duplicate review, and labeling, tuned by a research
purpose profile.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// extractCmd runs one extraction end to end
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract themes from a JSON file of research sources",
	Long: `Reads raw sources from a JSON file, runs the full extraction
pipeline, and writes the themed result as JSON.

The sources file is a JSON array of objects with "kind" (paper, video,
podcast, social), "title", and the matching text field ("full_text" or
"abstract", "transcript", "post").

Example:
  themeline extract --sources corpus.json --purpose broad_taxonomy
  themeline extract --sources corpus.json --purpose my_profile --profiles profiles.yaml
  themeline extract --sources corpus.json --stub`,
	RunE: runExtract,
}

// purposesCmd lists the available research purpose profiles
var purposesCmd = &cobra.Command{
	Use:   "purposes",
	Short: "List available research purpose profiles",
	RunE:  listPurposes,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "chat model override")
	rootCmd.PersistentFlags().StringVar(&embedModel, "embed-model", "", "embedding model override")

	extractCmd.Flags().StringVar(&sourcesPath, "sources", "", "path to JSON file of raw sources (required)")
	extractCmd.Flags().StringVar(&purposeName, "purpose", "broad_taxonomy", "research purpose profile name")
	extractCmd.Flags().StringVar(&profilesPath, "profiles", "", "path to YAML file with additional purpose profiles")
	extractCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write result JSON to file instead of stdout")
	extractCmd.Flags().BoolVar(&useStub, "stub", false, "run offline with deterministic stub models")
	extractCmd.Flags().BoolVar(&showProgress, "progress", false, "stream progress events to stderr")
	extractCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "overall extraction deadline")
	_ = extractCmd.MarkFlagRequired("sources")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(purposesCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sources, err := loadSources(sourcesPath)
	if err != nil {
		return err
	}

	cfg, err := resolvePurpose(purposeName, profilesPath)
	if err != nil {
		return err
	}

	llm, embedder, err := buildClients(ctx)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{MaxConcurrent: cfg.MaxConcurrent})
	bc := progress.NewBroadcaster()
	pipe := pipeline.New(gw, llm, embedder, bc)

	requestID := uuid.NewString()
	if showProgress {
		events, _ := bc.Subscribe(requestID)
		go func() {
			for ev := range events {
				fmt.Fprintf(os.Stderr, "[%s] %3d%% %s\n", ev.Stage, ev.Percentage, ev.Message)
			}
		}()
	}

	result, err := pipe.Extract(ctx, pipeline.Request{
		RequestID: requestID,
		Sources:   sources,
		Purpose:   cfg,
	})
	if err != nil {
		var rle *gateway.RateLimitError
		if errors.As(err, &rle) {
			return fmt.Errorf("extraction rate limited by %s; retry in ~%d seconds", rle.Provider, rle.RetryAfterSeconds())
		}
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if outputPath != "" {
		if err := os.WriteFile(outputPath, out, 0o644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	} else {
		fmt.Println(string(out))
	}

	m := gw.Metrics()
	fmt.Fprintf(os.Stderr, "Extracted %d themes from %d sources (%d model calls, %d retries)\n",
		result.Stats.FinalThemes, result.Stats.SourcesProcessed, m.TotalCalls, m.TotalRetries)
	return nil
}

func listPurposes(cmd *cobra.Command, args []string) error {
	names := purpose.Names()
	if profilesPath != "" {
		custom, err := purpose.LoadProfiles(profilesPath)
		if err != nil {
			return err
		}
		for name := range custom {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// loadSources reads and normalizes the raw source file.
func loadSources(path string) ([]source.SourceContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}
	var raw []source.RawInput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sources file %s is not a JSON array of sources: %w", path, err)
	}
	return source.Normalize(raw)
}

// resolvePurpose looks the profile up in the user file first, then the
// built-ins.
func resolvePurpose(name, profiles string) (purpose.Config, error) {
	if profiles != "" {
		custom, err := purpose.LoadProfiles(profiles)
		if err != nil {
			return purpose.Config{}, err
		}
		if cfg, ok := custom[name]; ok {
			return cfg, nil
		}
	}
	return purpose.Get(name)
}

// buildClients wires the model clients, real or stub.
func buildClients(ctx context.Context) (gateway.LLMClient, embedding.Embedder, error) {
	if useStub {
		return gateway.StubLLM{}, embedding.NewStubEmbedder(), nil
	}

	key := apiKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		return nil, nil, fmt.Errorf("no API key: pass --api-key, set GEMINI_API_KEY, or use --stub")
	}

	llm := gateway.NewGeminiClient(key)
	if model != "" {
		llm.SetModel(model)
	}
	embedder, err := embedding.NewGenAIEmbedder(ctx, key, embedModel)
	if err != nil {
		return nil, nil, err
	}
	return llm, embedder, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
