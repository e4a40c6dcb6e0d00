package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/arcplay/internal/api"
	"github.com/basekick-labs/arcplay/internal/codec"
	"github.com/basekick-labs/arcplay/internal/config"
	"github.com/basekick-labs/arcplay/internal/demo"
	"github.com/basekick-labs/arcplay/internal/engine/packfile"
	"github.com/basekick-labs/arcplay/internal/logger"
	"github.com/basekick-labs/arcplay/internal/message"
	"github.com/basekick-labs/arcplay/internal/metrics"
	"github.com/basekick-labs/arcplay/internal/playback"
	"github.com/basekick-labs/arcplay/internal/shutdown"
	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: arcplay <command> [flags] <file>

commands:
  info      print the channel catalog and diagnostics
  play      write messages as NDJSON to stdout
  backfill  write the latest message per channel at -time
  serve     serve the file over HTTP
  demo      write a synthetic recording to <file>
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "info":
		err = runInfo(args)
	case "play":
		err = runPlay(args)
	case "backfill":
		err = runBackfill(args)
	case "serve":
		err = runServe(args)
	case "demo":
		err = runDemo(args)
	case "version":
		fmt.Println(Version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// session is a loaded file plus what it was loaded with.
type session struct {
	cfg     *config.Config
	opener  source.Opener
	loader  *playback.Loader
	metrics *metrics.Metrics
}

func (s *session) Close() error {
	return errors.Join(s.loader.Close(), s.opener.Close())
}

// commonFlags registers the flags every file command accepts.
func commonFlags(fs *flag.FlagSet) (configPath, backend *string) {
	configPath = fs.String("config", "", "path to arcplay.toml")
	backend = fs.String("backend", "", "override source.backend (local, s3, azure)")
	return configPath, backend
}

func parseFile(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one file argument", fs.Name())
	}
	return fs.Arg(0), nil
}

func load(ctx context.Context, configPath, backend, file string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if backend != "" {
		cfg.Source.Backend = strings.ToLower(backend)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	m := metrics.Init(logger.Get("metrics"))

	// A local path on the command line is resolved against its own
	// directory.
	if cfg.Source.Backend == "local" && (filepath.IsAbs(file) || strings.ContainsRune(file, filepath.Separator)) {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, err
		}
		cfg.Source.LocalPath, file = filepath.Dir(abs), filepath.Base(abs)
	}

	opener, err := source.New(cfg.SourceConfig(), logger.Get("source"))
	if err != nil {
		return nil, err
	}
	loader, err := playback.Open(ctx, playback.Options{
		Name:            file,
		Opener:          opener,
		Engine:          packfile.New(logger.Get("packfile")),
		Codecs:          cfg.Codecs.Enabled,
		Window:          cfg.Playback.Window,
		Topic:           cfg.TopicOptions(),
		MessageEncoding: cfg.Playback.MessageEncoding,
		Logger:          logger.Get("playback"),
		Metrics:         m,
	})
	if err != nil {
		opener.Close()
		return nil, err
	}
	return &session{cfg: cfg, opener: opener, loader: loader, metrics: m}, nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	configPath, backend := commonFlags(fs)
	file, err := parseFile(fs, args)
	if err != nil {
		return err
	}
	s, err := load(context.Background(), *configPath, *backend, file)
	if err != nil {
		return err
	}
	defer s.Close()

	type diagnostic struct {
		Dataset string `json:"dataset"`
		Message string `json:"message"`
		Hint    string `json:"hint,omitempty"`
	}
	out := struct {
		File        string                 `json:"file"`
		TimeRange   playback.TimeRange     `json:"time_range"`
		Channels    []playback.ChannelInfo `json:"channels"`
		Diagnostics []diagnostic           `json:"diagnostics"`
	}{
		File:      file,
		TimeRange: s.loader.TimeRange(),
		Channels:  s.loader.Channels(),
	}
	for _, d := range s.loader.Diagnostics() {
		out.Diagnostics = append(out.Diagnostics, diagnostic{Dataset: d.Dataset, Message: d.Message, Hint: d.Hint})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// channelList parses "0,2,/gps/speed" into channel ids.
func channelList(l *playback.Loader, raw string) ([]uint16, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []uint16
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if id, err := strconv.ParseUint(part, 10, 16); err == nil {
			ids = append(ids, uint16(id))
			continue
		}
		id, ok := l.Lookup(part)
		if !ok {
			return nil, fmt.Errorf("unknown channel %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// optionalInt is an int64 flag that remembers whether it was set.
type optionalInt struct{ v *int64 }

func (o *optionalInt) String() string {
	if o.v == nil {
		return ""
	}
	return strconv.FormatInt(*o.v, 10)
}

func (o *optionalInt) Set(s string) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	o.v = &v
	return nil
}

func runPlay(args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	configPath, backend := commonFlags(fs)
	channels := fs.String("channels", "", "comma-separated channel ids or topics (default all)")
	limit := fs.Int("limit", 0, "stop after this many messages (0 = no limit)")
	var start, end optionalInt
	fs.Var(&start, "start", "first log time in ns (inclusive)")
	fs.Var(&end, "end", "last log time in ns (exclusive)")
	file, err := parseFile(fs, args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, err := load(ctx, *configPath, *backend, file)
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := channelList(s.loader, *channels)
	if err != nil {
		return err
	}
	it, err := s.loader.CreateIterator(ctx, playback.IteratorArgs{Channels: ids, Start: start.v, End: end.v})
	if err != nil {
		return err
	}
	defer it.Close()

	lw := message.NewLineWriter(os.Stdout, s.loader.MessageEncoding(), s.loader.Topic)
	n := 0
	for (*limit <= 0 || n < *limit) && it.Next() {
		if err := lw.Write(it.At()); err != nil {
			return err
		}
		n++
	}
	if err := it.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Int("messages", n).Msg("Playback finished")
	return nil
}

func runBackfill(args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	configPath, backend := commonFlags(fs)
	channels := fs.String("channels", "", "comma-separated channel ids or topics (default all)")
	var at optionalInt
	fs.Var(&at, "time", "log time in ns (required)")
	file, err := parseFile(fs, args)
	if err != nil {
		return err
	}
	if at.v == nil {
		return errors.New("backfill: -time is required")
	}

	s, err := load(context.Background(), *configPath, *backend, file)
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := channelList(s.loader, *channels)
	if err != nil {
		return err
	}
	msgs, err := s.loader.Backfill(context.Background(), ids, *at.v)
	if err != nil {
		return err
	}
	lw := message.NewLineWriter(os.Stdout, s.loader.MessageEncoding(), s.loader.Topic)
	for _, m := range msgs {
		if err := lw.Write(m); err != nil {
			return err
		}
	}
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath, backend := commonFlags(fs)
	port := fs.Int("port", 0, "override server.port")
	file, err := parseFile(fs, args)
	if err != nil {
		return err
	}

	s, err := load(context.Background(), *configPath, *backend, file)
	if err != nil {
		return err
	}
	cfg := s.cfg
	if *port > 0 {
		cfg.Server.Port = *port
	}
	log.Info().Str("version", Version).Str("file", file).Msg("Starting arcplay")

	srvCfg := api.DefaultServerConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeout) * time.Second
	srvCfg.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	srvCfg.MessageLimit = cfg.Server.MessageLimit
	srvCfg.EnableMetrics = cfg.Metrics.Enabled
	server := api.NewServer(srvCfg, s.loader, s.metrics, logger.Get("api"))

	coord := shutdown.New(cfg.Server.ShutdownTimeout, logger.Get("shutdown"))
	coord.RegisterFunc("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
	coord.RegisterFunc("cursors", func(context.Context) error { return server.CloseCursors() }, shutdown.PriorityIterators)
	coord.Register("loader", s.loader, shutdown.PriorityLoader)
	coord.Register("source", s.opener, shutdown.PrioritySource)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := server.Listen(); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		coord.WaitForSignal(gctx)
		return coord.Shutdown()
	})
	return g.Wait()
}

func runDemo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	opts := demo.DefaultOptions()
	fs.DurationVar(&opts.Duration, "duration", opts.Duration, "length of the recording")
	fs.StringVar(&opts.Filter, "filter", opts.Filter, "codec for bulk datasets ("+strings.Join(codec.Available(), ", ")+")")
	fs.Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	out, err := parseFile(fs, args)
	if err != nil {
		return err
	}

	codecs, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	data, err := demo.Build(codecs, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, %s)\n", out, len(data), opts.Duration)
	return nil
}
