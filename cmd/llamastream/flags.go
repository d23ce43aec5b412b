package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"llamastream/internal/llama"
)

type options struct {
	baseURL  string
	apiKey   string
	settings bool
	verbose  bool
	prompt   string
	params   llama.Params
}

// parseFlags reads args (without the program name). Only flags given on the
// command line end up in params, everything else is left to the defaults.
func parseFlags(args []string, stdin io.Reader, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("llamastream", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "\nStream a completion from a llama.cpp server.\n\n %s [flags] <prompt>\n\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}

	opts := &options{}
	fs.StringVar(&opts.baseURL, "url", envOr("LLAMA_BASE_URL", llama.DefaultBaseURL), "server base URL")
	fs.StringVar(&opts.apiKey, "api-key", os.Getenv("LLAMA_API_KEY"), "bearer token for servers started with --api-key")
	fs.BoolVar(&opts.settings, "settings", false, "print the generation settings to stderr when done")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	nPredict := fs.IntP("n-predict", "n", 0, "max tokens to generate")
	temperature := fs.Float64P("temperature", "t", 0, "sampling temperature")
	topK := fs.Int("top-k", 0, "top-k sampling")
	topP := fs.Float64("top-p", 0, "top-p sampling")
	seed := fs.Int("seed", -1, "RNG seed, -1 for random")
	stop := fs.StringArray("stop", nil, "stop sequence (repeatable)")
	repeatPenalty := fs.Float64("repeat-penalty", 0, "repetition penalty")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.Changed("n-predict") {
		opts.params.NPredict = nPredict
	}
	if fs.Changed("temperature") {
		opts.params.Temperature = temperature
	}
	if fs.Changed("top-k") {
		opts.params.TopK = topK
	}
	if fs.Changed("top-p") {
		opts.params.TopP = topP
	}
	if fs.Changed("seed") {
		opts.params.Seed = seed
	}
	if fs.Changed("stop") {
		opts.params.Stop = *stop
	}
	if fs.Changed("repeat-penalty") {
		opts.params.RepeatPenalty = repeatPenalty
	}

	if fs.NArg() > 0 {
		opts.prompt = strings.Join(fs.Args(), " ")
	} else if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read prompt: %w", err)
		}
		opts.prompt = strings.TrimRight(string(b), "\n")
	}
	if opts.prompt == "" {
		fs.Usage()
		return nil, errors.New("a prompt is required")
	}

	return opts, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
