package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/dispatch"
	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/logging"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/presence"
	"github.com/example/shopper-dispatch/internal/pricing"
	"github.com/example/shopper-dispatch/internal/storage"
)

type simOptions struct {
	Providers      int
	Requests       int
	Interval       time.Duration
	MaxAcceptDelay time.Duration
	Window         time.Duration
	Seed           int64
	Center         models.Coord
}

func newSimulateCommand(root *rootOptions) *cobra.Command {
	opts := simOptions{Center: models.Coord{Lat: 52.52, Lng: 13.405}}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Race simulated providers for generated requests in-process",
		Long: `Runs the offer loops, presence trackers and acceptance path against an
in-memory store. Each provider accepts every offer it is shown after a random
delay; the report shows who won each request.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := root.LogLevel
			if level == "" {
				level = "warn"
			}
			rep, err := runSimulation(cmd.Context(), opts, logging.New(cmd.ErrOrStderr(), level, serviceName))
			if err != nil {
				return err
			}
			rep.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Providers, "providers", 5, "number of simulated providers")
	cmd.Flags().IntVar(&opts.Requests, "requests", 10, "number of requests to create")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 500*time.Millisecond, "time between requests")
	cmd.Flags().DurationVar(&opts.MaxAcceptDelay, "max-accept-delay", 2*time.Second, "upper bound of a provider's reaction time")
	cmd.Flags().DurationVar(&opts.Window, "window", 10*time.Second, "offer window")
	cmd.Flags().Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "random seed")
	return cmd
}

type simReport struct {
	Requests []models.Request
	Wins     map[string][]string // request id -> providers told they won
	Lost     int
}

// Violations counts requests more than one provider was told it won.
func (r simReport) Violations() int {
	n := 0
	for _, winners := range r.Wins {
		if len(winners) > 1 {
			n++
		}
	}
	return n
}

func (r simReport) print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST\tSTATUS\tPROVIDER\tSUBTOTAL FEES")
	accepted := 0
	for _, req := range r.Requests {
		if req.Status == models.StatusAccepted {
			accepted++
		}
		provider := req.AssignedProviderID
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", req.ID, req.Status, provider, pricing.Format(req.SubtotalFees, "USD"))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\naccepted %d/%d, lost races %d, double assignments %d\n", accepted, len(r.Requests), r.Lost, r.Violations())
}

type simSink struct {
	providerID string
	maxDelay   time.Duration
	rng        *rand.Rand
	rngMu      sync.Mutex
	dispatcher atomic.Pointer[dispatch.Dispatcher]
	ctx        context.Context
	record     func(providerID, requestID string, res acceptance.Result)
}

func (s *simSink) OfferShown(o models.Offer) {
	d := s.dispatcher.Load()
	if d == nil || o.ETASeconds > 0 {
		// ETA refreshes re-show the same offer.
		return
	}
	s.rngMu.Lock()
	delay := time.Duration(s.rng.Int63n(int64(s.maxDelay) + 1))
	s.rngMu.Unlock()
	go func() {
		select {
		case <-s.ctx.Done():
		case <-time.After(delay):
			_ = d.Accept(s.ctx, o.RequestID)
		}
	}()
}

func (s *simSink) OfferCleared(string, dispatch.ClearReason) {}

func (s *simSink) AcceptResult(requestID string, res acceptance.Result) {
	s.record(s.providerID, requestID, res)
}

func runSimulation(ctx context.Context, opts simOptions, logger *slog.Logger) (simReport, error) {
	if opts.Providers <= 0 || opts.Requests <= 0 {
		return simReport{}, fmt.Errorf("providers and requests must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rng := rand.New(rand.NewSource(opts.Seed))

	hub := feed.NewHub(256, logger)
	defer hub.Close()
	store := storage.NewMemoryStore(hub)
	index := geo.NewIndex()
	writer := &presence.Fanout{
		Primary:   presence.WriterFunc(store.UpsertPresence),
		Secondary: []presence.Writer{presence.WriterFunc(index.Upsert)},
		Logger:    logger,
	}
	acc := acceptance.New(store, acceptance.DefaultConfig(), logger)
	offers := dispatch.DefaultConfig()
	offers.Window = opts.Window
	reg := dispatch.NewRegistry(hub, acc, writer, store, dispatch.RegistryConfig{
		Offers:   offers,
		Presence: presence.Config{Attempts: 3, Backoff: 10 * time.Millisecond},
		Backfill: opts.Requests,
	}, logger)
	defer reg.Close()
	svc := lifecycle.NewService(store, pricing.DefaultSchedule(), lifecycle.WithLogger(logger))

	var mu sync.Mutex
	rep := simReport{Wins: make(map[string][]string)}
	record := func(providerID, requestID string, res acceptance.Result) {
		mu.Lock()
		defer mu.Unlock()
		if res.Accepted {
			rep.Wins[requestID] = append(rep.Wins[requestID], providerID)
		} else if res.Reason == acceptance.ReasonAlreadyAssigned {
			rep.Lost++
		}
	}

	for i := 0; i < opts.Providers; i++ {
		id := fmt.Sprintf("provider-%02d", i+1)
		sink := &simSink{providerID: id, maxDelay: opts.MaxAcceptDelay, rng: rand.New(rand.NewSource(rng.Int63())), ctx: ctx, record: record}
		sess, err := reg.Open(ctx, id, sink)
		if err != nil {
			return simReport{}, err
		}
		sink.dispatcher.Store(sess.Dispatcher)
		loc := jitter(rng, opts.Center, 0.02)
		if err := sess.Tracker.GoOnline(ctx, &loc); err != nil {
			return simReport{}, fmt.Errorf("%s online: %w", id, err)
		}
	}

	ids := make([]string, 0, opts.Requests)
	for i := 0; i < opts.Requests; i++ {
		storeLoc := jitter(rng, opts.Center, 0.02)
		r, err := svc.Create(ctx, models.Request{
			CustomerID:      fmt.Sprintf("customer-%02d", i+1),
			StoreLocation:   &storeLoc,
			DropoffLocation: jitter(rng, opts.Center, 0.03),
			Items:           []models.Item{{Title: "groceries", Quantity: 1 + rng.Intn(12)}},
			BasketEstimate:  models.Money(2000 + rng.Int63n(20000)),
			StoreCount:      1 + rng.Intn(2),
			Tip:             models.Money(rng.Int63n(800)),
		})
		if err != nil {
			return simReport{}, err
		}
		ids = append(ids, r.ID)
		select {
		case <-ctx.Done():
			return simReport{}, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}

	// Give the last offers time to be answered or expire.
	deadline := time.Now().Add(opts.MaxAcceptDelay + opts.Window)
	for time.Now().Before(deadline) {
		pending, err := store.ListByStatus(ctx, models.StatusPending, time.Now().Add(time.Second), 0)
		if err != nil {
			return simReport{}, err
		}
		if len(pending) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Let in-flight results reach the sinks.
	time.Sleep(50 * time.Millisecond)

	for _, id := range ids {
		r, err := store.GetRequest(ctx, id)
		if err != nil {
			return simReport{}, err
		}
		rep.Requests = append(rep.Requests, r)
	}
	sort.Slice(rep.Requests, func(i, j int) bool { return rep.Requests[i].CreatedAt.Before(rep.Requests[j].CreatedAt) })

	mu.Lock()
	defer mu.Unlock()
	out := simReport{Requests: rep.Requests, Wins: make(map[string][]string, len(rep.Wins)), Lost: rep.Lost}
	for k, v := range rep.Wins {
		out.Wins[k] = append([]string(nil), v...)
	}
	return out, nil
}

func jitter(rng *rand.Rand, c models.Coord, deg float64) models.Coord {
	return models.Coord{
		Lat: c.Lat + (rng.Float64()*2-1)*deg,
		Lng: c.Lng + (rng.Float64()*2-1)*deg,
	}
}
