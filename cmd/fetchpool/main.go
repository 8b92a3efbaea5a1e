package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/alitto/fetchpool"
	"github.com/alitto/fetchpool/source"
)

type flags struct {
	configPath  string
	concurrency int
	timeout     time.Duration
	deadline    time.Duration
	userAgent   string
	matchCode   int
	template    string
	wordsPath   string
	rangeFrom   int
	rangeTo     int
	metricsAddr string
	logLevel    string
}

func parseFlags() (*flags, map[string]bool) {
	f := &flags{}
	flag.StringVar(&f.configPath, "config", "", "YAML configuration file")
	flag.IntVar(&f.concurrency, "c", fetchpool.DefaultConcurrency, "maximum number of concurrent requests")
	flag.DurationVar(&f.timeout, "timeout", fetchpool.DefaultRequestTimeout, "timeout of a single request")
	flag.DurationVar(&f.deadline, "deadline", 0, "deadline of the whole run (0 means none)")
	flag.StringVar(&f.userAgent, "user-agent", "", "User-Agent header to send")
	flag.IntVar(&f.matchCode, "mc", 0, "only print responses with this status code")
	flag.StringVar(&f.template, "template", "", "URL template, {} is replaced by each word or number")
	flag.StringVar(&f.wordsPath, "words", "", "word list used with -template (default: stdin)")
	flag.IntVar(&f.rangeFrom, "range-from", 0, "first number used with -template")
	flag.IntVar(&f.rangeTo, "range-to", 0, "number after the last one used with -template")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on")
	flag.StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	return f, set
}

func main() {
	f, set := parseFlags()

	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	// Pressing Ctrl+C cancels the run, pending targets are reported as not completed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f, set, logger, os.Stdin, os.Stdout); err != nil && !errors.Is(err, fetchpool.ErrCanceled) {
		logger.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func loadConfig(f *flags, set map[string]bool) (fetchpool.Config, error) {
	cfg := fetchpool.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = fetchpool.LoadConfigFile(f.configPath); err != nil {
			return cfg, err
		}
	}

	// Explicit flags win over the file
	if set["c"] || f.configPath == "" {
		cfg.Concurrency = f.concurrency
	}
	if set["timeout"] || f.configPath == "" {
		cfg.RequestTimeout = f.timeout
	}
	if set["deadline"] {
		cfg.BatchDeadline = f.deadline
	}
	if set["user-agent"] {
		cfg.UserAgent = f.userAgent
	}

	return cfg, cfg.Validate()
}

func run(ctx context.Context, f *flags, set map[string]bool, logger zerolog.Logger, stdin io.Reader, stdout io.Writer) error {
	cfg, err := loadConfig(f, set)
	if err != nil {
		return err
	}

	options := []fetchpool.Option{fetchpool.WithLogger(logger)}

	registry := prometheus.NewRegistry()
	if f.metricsAddr != "" {
		options = append(options, fetchpool.WithMetrics(registry))
	}

	engine, err := fetchpool.NewFromConfig(cfg, options...)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	session := engine.NewSession(ctx)

	var server *http.Server
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: f.metricsAddr, Handler: mux}

		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Producer: feed targets into the session as they are read.
	// It stays outside the group since a blocked read on stdin cannot be interrupted.
	produced := make(chan error, 1)
	go func() {
		defer session.Close()
		produced <- produce(ctx, f, stdin, session)
	}()

	// Consumer: print every result, then stop the metrics server
	group.Go(func() error {
		out := bufio.NewWriter(stdout)
		defer out.Flush()

		for result := range session.Results() {
			printResult(out, result, f.matchCode)
		}

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}

		return session.Wait()
	})

	err = group.Wait()
	select {
	case produceErr := <-produced:
		if err == nil {
			err = produceErr
		}
	default:
	}

	logger.Info().
		Uint64("submitted", engine.SubmittedTargets()).
		Uint64("successful", engine.SuccessfulTargets()).
		Uint64("failed", engine.FailedTargets()).
		Uint64("incomplete", engine.IncompleteTargets()).
		Msg("run complete")

	return err
}

func produce(ctx context.Context, f *flags, stdin io.Reader, session *fetchpool.Session) error {
	submit := func(urls ...string) error {
		if _, err := session.Submit(urls...); err != nil {
			if errors.Is(err, fetchpool.ErrSessionClosed) {
				return nil
			}
			return err
		}
		return nil
	}

	if f.template == "" {
		err := source.Scan(ctx, stdin, func(line string) error {
			return submit(line)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	if f.rangeTo > f.rangeFrom {
		return submit(source.Range(f.template, f.rangeFrom, f.rangeTo)...)
	}

	words := stdin
	if f.wordsPath != "" {
		file, err := os.Open(f.wordsPath)
		if err != nil {
			return fmt.Errorf("failed to open word list: %w", err)
		}
		defer file.Close()
		words = file
	}

	list, err := source.Lines(words)
	if err != nil {
		return fmt.Errorf("failed to read word list: %w", err)
	}

	return submit(source.Expand(f.template, list)...)
}

func printResult(w io.Writer, result fetchpool.Result, matchCode int) {
	switch result.Outcome {
	case fetchpool.Succeeded:
		if matchCode == 0 || result.StatusCode == matchCode {
			fmt.Fprintf(w, "%3d %s\n", result.StatusCode, result.Target.URL)
		}
	case fetchpool.Failed:
		if matchCode == 0 {
			fmt.Fprintf(w, "ERR %s %s\n", result.Err.Kind, result.Target.URL)
		}
	default:
		if matchCode == 0 {
			fmt.Fprintf(w, "--- %s %s\n", strings.ReplaceAll(result.Outcome.String(), "_", " "), result.Target.URL)
		}
	}
}
