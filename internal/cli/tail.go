package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"nostr-outbox/internal/config"
	"nostr-outbox/internal/tail"
	"nostr-outbox/internal/wire"
	"nostr-outbox/relay"
)

var (
	errNoRelays    = errors.New("no valid relays to subscribe to")
	errEmptyFilter = errors.New("filter matches everything; pass --kinds, --authors, --limit or --since")
	errBadAuthor   = errors.New("author must be a 64 character hex pubkey or an npub")
)

// recvBatch bounds how many frames one poll tick handles.
const recvBatch = 256

type tailOptions struct {
	relays      []string
	kinds       []int
	authors     []string
	limit       int
	since       time.Duration
	transparent bool
	oneshot     bool
	timeout     time.Duration
	maxEvents   int
	metricsAddr string
	poll        time.Duration
	maxSubs     int
}

func newTailCmd(g *globalOptions) *cobra.Command {
	opts := tailOptions{}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to relays and print new events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd.OutOrStdout(), g.cfg, g.logger, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.relays, "relay", "r", nil, "relay URL, repeatable (default: configured default relays)")
	f.IntSliceVarP(&opts.kinds, "kinds", "k", nil, "event kinds to match")
	f.StringSliceVarP(&opts.authors, "authors", "a", nil, "hex pubkeys to match")
	f.IntVarP(&opts.limit, "limit", "l", 0, "initial query limit per relay")
	f.DurationVar(&opts.since, "since", 0, "only events newer than this long ago")
	f.BoolVar(&opts.transparent, "transparent", false, "give the subscription its own REQ instead of compacting it")
	f.BoolVar(&opts.oneshot, "oneshot", false, "exit once every relay has sent EOSE")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up a --oneshot query after this long")
	f.IntVar(&opts.maxEvents, "max-events", tail.DefaultMaxEvents, "recent events kept for deduplication and /events")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /events on this address")
	f.DurationVar(&opts.poll, "poll", 50*time.Millisecond, "how often the pool is polled")
	f.IntVar(&opts.maxSubs, "max-subscriptions", 0, "override max_subscriptions for every relay")
	return cmd
}

// resolveAuthors accepts hex pubkeys and npubs and returns hex.
func resolveAuthors(authors []string) ([]string, error) {
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		a = strings.TrimSpace(a)
		if strings.HasPrefix(a, "npub1") {
			prefix, value, err := nip19.Decode(a)
			hexKey, ok := value.(string)
			if err != nil || prefix != "npub" || !ok {
				return nil, fmt.Errorf("%w: %q", errBadAuthor, a)
			}
			a = hexKey
		}
		a = strings.ToLower(a)
		if !nostr.IsValid32ByteHex(a) {
			return nil, fmt.Errorf("%w: %q", errBadAuthor, a)
		}
		out = append(out, a)
	}
	return out, nil
}

// buildFilter turns the command line into a single filter.
func buildFilter(opts tailOptions, now time.Time) (nostr.Filter, error) {
	authors, err := resolveAuthors(opts.authors)
	if err != nil {
		return nostr.Filter{}, err
	}
	f := nostr.Filter{
		Kinds: opts.kinds,
		Limit: opts.limit,
	}
	if len(authors) > 0 {
		f.Authors = authors
	}
	if opts.since > 0 {
		ts := nostr.Timestamp(now.Add(-opts.since).Unix())
		f.Since = &ts
	}
	return f, nil
}

func runTail(ctx context.Context, out io.Writer, cfg *config.OutboxConfig, logger *slog.Logger, opts tailOptions) error {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	urls := opts.relays
	if len(urls) == 0 {
		urls = cfg.DefaultRelays
	}
	pkg, err := relay.NewRelayURLPkg(urls...)
	if err != nil {
		logger.Warn("skipping invalid relays", "error", err)
	}
	if len(pkg.URLs) == 0 {
		return errNoRelays
	}
	if opts.transparent {
		pkg = pkg.Transparent()
	}

	filter, err := buildFilter(opts, time.Now())
	if err != nil {
		return err
	}
	if wire.IsEmptyFilter(filter) {
		return errEmptyFilter
	}

	if opts.oneshot && opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	store := tail.NewStore(opts.maxEvents)
	pool := relay.NewOutboxPool(
		relay.WithConfig(cfg),
		relay.WithLogger(logger),
		relay.WithMetrics(relay.NewMetrics(reg)),
	)
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Warn("closing relays", "error", cerr)
		}
	}()

	if opts.maxSubs > 0 {
		for _, u := range pkg.Sorted() {
			pool.SetMaxSubscriptions(u, opts.maxSubs)
		}
	}

	if opts.metricsAddr != "" {
		srv, err := startServer(opts.metricsAddr, reg, store, logger)
		if err != nil {
			return err
		}
		defer srv.shutdown()
	}

	var id relay.SubID
	pool.WithSession(func(s *relay.Session) {
		if opts.oneshot {
			id = s.Oneshot(nostr.Filters{filter}, pkg)
		} else {
			id = s.Subscribe(nostr.Filters{filter}, pkg)
		}
	})
	logger.Info("subscribed", "sub", id, "relays", pkg.Sorted(), "transparent", pkg.UseTransparent, "oneshot", opts.oneshot)

	enc := gojson.NewEncoder(out)
	var writeErr error
	sink := func(raw relay.RawEvent) {
		ev, err := wire.DecodeEvent(raw.JSON)
		if err != nil {
			logger.Debug("dropping undecodable event", "relay", raw.URL, "error", err)
			return
		}
		if !store.Add(ev, raw.URL) {
			return
		}
		if err := enc.Encode(ev); err != nil && writeErr == nil {
			writeErr = fmt.Errorf("write event: %w", err)
		}
	}

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if opts.oneshot && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("oneshot query did not finish: %w", ctx.Err())
			}
			return nil
		case <-ticker.C:
		}

		pool.TryRecv(recvBatch, sink)
		pool.KeepalivePing()
		// An empty commit settles EOSE: since rewrites and oneshot removal.
		pool.StartSession().Commit()

		if writeErr != nil {
			return writeErr
		}
		if opts.oneshot {
			if _, live := pool.Filters(id); !live {
				count, _ := store.Stats()
				logger.Info("oneshot query complete", "events", count)
				return nil
			}
		}
	}
}
