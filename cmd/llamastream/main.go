package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"llamastream/internal/llama"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stdin io.Reader
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		stdin = os.Stdin
	}

	opts, err := parseFlags(os.Args[1:], stdin, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, llama.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "\ncancelled")
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool, stderr io.Writer) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(stderr), zapcore.DebugLevel))
}

// run streams the completion to stdout as records arrive.
func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	logger := newLogger(opts.verbose, stderr)
	defer logger.Sync()

	client, err := llama.NewClient(llama.Config{
		BaseURL: opts.baseURL,
		APIKey:  opts.apiKey,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := client.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	s, err := client.CompletionStream(ctx, opts.prompt, &opts.params)
	if err != nil {
		return err
	}

	var last *llama.Payload
	for rec, err := range s.Records() {
		if err != nil {
			return err
		}
		if _, err := io.WriteString(stdout, rec.Data.Content); err != nil {
			return err
		}
		last = rec.Data
	}
	fmt.Fprintln(stdout)

	if opts.settings && last != nil && len(last.GenerationSettings) > 0 {
		fmt.Fprintf(stderr, "generation settings: %s\n", last.GenerationSettings)
	}
	return nil
}
