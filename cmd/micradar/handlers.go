package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odmlab/micradar/internal/config"
	"github.com/odmlab/micradar/internal/logger"
	"github.com/odmlab/micradar/internal/pipeline"
	"github.com/odmlab/micradar/internal/scheduler"
	"github.com/odmlab/micradar/internal/store"
	"github.com/odmlab/micradar/pkg/alert"
	"github.com/odmlab/micradar/pkg/history"
	"github.com/odmlab/micradar/pkg/listing"
	"github.com/odmlab/micradar/pkg/match"
	"github.com/odmlab/micradar/pkg/report"
	"github.com/odmlab/micradar/pkg/runs"
	"github.com/odmlab/micradar/pkg/server"
	"github.com/odmlab/micradar/pkg/source"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath
	}
	return config.Load(path)
}

// app holds the components every command shares.
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	db    *store.SQLStore
	redis *goredis.Client
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	db, err := store.New(cfg.Database.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.SeedCompetitors(ctx, cfg.StoreCompetitors()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed competitors: %w", err)
	}
	return &app{cfg: cfg, log: log, db: db}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
	a.log.Sync()
}

func (a *app) locker(ctx context.Context) (runs.Locker, error) {
	if a.cfg.Locks.Backend != "redis" {
		return runs.NewLocalLocker(), nil
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        a.cfg.Locks.RedisAddr,
		Password:    a.cfg.Locks.RedisPassword,
		DB:          a.cfg.Locks.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.Locks.RedisAddr, err)
	}
	a.redis = rdb
	return runs.NewRedisLocker(rdb, a.cfg.Locks.ParseTTL()), nil
}

func (a *app) matcher(ctx context.Context) (*match.Matcher, error) {
	norm := match.NewNormalizer(a.cfg.Matching.Synonyms, a.cfg.Matching.Noise)
	band := a.cfg.Matching.AmbiguityBand
	return match.NewMatcher(ctx, a.db, norm, match.Config{
		Threshold:     a.cfg.Matching.Threshold,
		AmbiguityBand: &band,
		LooseClusters: a.cfg.Matching.LooseClusters,
	}, a.log)
}

func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	m, err := a.matcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	return pipeline.New(
		a.db,
		listing.NewIngestor(a.cfg.Shops, a.cfg.Matching.Brands),
		m,
		history.NewRecorder(a.db, a.log),
		runs.NewTracker(a.db, locker, a.cfg.Ingest.ParseRunWaitTimeout(), a.log),
		pipeline.Options{
			Workers: a.cfg.Ingest.Workers,
			Alerts:  buildAlertManager(a.cfg),
			Log:     a.log,
		},
	), nil
}

// referenceID resolves the reference competitor key; unknown keys yield zero.
func (a *app) referenceID(ctx context.Context, key string) int64 {
	if key == "" {
		key = a.cfg.Report.ReferenceCompetitor
	}
	c, err := a.db.GetCompetitorByKey(ctx, strings.ToLower(key))
	if err != nil {
		return 0
	}
	return c.ID
}

// competitorID accepts a competitor key or numeric id.
func (a *app) competitorID(ctx context.Context, v string) (int64, error) {
	if id, err := strconv.ParseInt(v, 10, 64); err == nil {
		if _, err := a.db.GetCompetitor(ctx, id); err != nil {
			return 0, fmt.Errorf("competitor %s: %w", v, err)
		}
		return id, nil
	}
	c, err := a.db.GetCompetitorByKey(ctx, strings.ToLower(v))
	if err != nil {
		return 0, fmt.Errorf("competitor %s: %w", v, err)
	}
	return c.ID, nil
}

func buildSources(cfg *config.Config) ([]source.Source, error) {
	var sources []source.Source
	for _, comp := range cfg.Competitors {
		for _, sc := range comp.Sources {
			opts := source.Options{RequestsPerSecond: sc.RequestsPerSecond}
			if sc.CatalogFilter {
				opts.Filter = source.NewFilter(sc.Include, sc.Exclude)
			}
			src, err := source.New(source.Kind(sc.Kind), strings.ToLower(comp.Key), sc.Location, opts)
			if err != nil {
				return nil, fmt.Errorf("competitor %s: %w", comp.Key, err)
			}
			sources = append(sources, src)
		}
	}
	return sources, nil
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers, cfg.Alerts.MinChangePercent)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(kind, v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, v)
	}
	return id, nil
}

func runInit(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	comps, err := a.db.ListCompetitors(ctx)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}
	fmt.Fprintf(os.Stderr, "database ready (%s), %d competitors\n", a.cfg.Database.Driver, len(comps))
	return nil
}

func runIngest(ctx context.Context, competitor, kind string, files []string, all, jsonOutput bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var sources []source.Source
	switch {
	case all:
		if sources, err = buildSources(a.cfg); err != nil {
			return err
		}
		if len(sources) == 0 {
			return errors.New("no competitor sources configured")
		}
	case competitor == "":
		return errors.New("--competitor is required unless --all is set")
	case len(files) == 0:
		sources = append(sources, source.NewJSONLines(strings.ToLower(competitor), "-"))
	default:
		for _, f := range files {
			src, err := source.New(source.Kind(kind), strings.ToLower(competitor), f, source.Options{})
			if err != nil {
				return err
			}
			sources = append(sources, src)
		}
	}

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		summaries []*pipeline.Summary
		ingestErr error
	)
	if all {
		summaries = scheduler.New(p, sources, 0, a.log).ImportAll(ctx)
	} else {
		// Files of one competitor become consecutive runs, so collect them
		// concurrently and ingest in order.
		exports := make([]*source.Export, len(sources))
		g, gctx := errgroup.WithContext(ctx)
		for i, src := range sources {
			g.Go(func() error {
				exp, err := src.Collect(gctx)
				if err != nil {
					return fmt.Errorf("collect %s: %w", src.Name(), err)
				}
				exports[i] = exp
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		batches := make([]pipeline.Batch, len(exports))
		for i, exp := range exports {
			batches[i] = pipeline.FromExport(exp)
		}
		summaries, ingestErr = p.IngestAll(ctx, batches)
	}

	if jsonOutput {
		if err := printJSON(summaries); err != nil {
			return err
		}
		return ingestErr
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCOMPETITOR\tSTATUS\tRECORDS\tINGESTED\tREJECTED\tNEW\tREVIEW\tCHANGES\tDURATION")
	for _, s := range summaries {
		if s == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.RunID, s.Competitor, s.Status, s.Records, s.Ingested, s.Rejected,
			s.NewProducts, s.NeedsReview, s.PriceChanges, s.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return ingestErr
}

func runProducts(ctx context.Context, brand string, limit int, jsonOutput bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	products, err := report.New(a.db).Products(ctx, brand, limit)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if jsonOutput {
		return printJSON(products)
	}
	if len(products) == 0 {
		fmt.Println("no products found (try ingesting an export first: micradar ingest)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBRAND\tNAME\tSIGNATURE")
	for _, p := range products {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Brand, p.CanonicalName, p.Signature)
	}
	return w.Flush()
}

func runCompare(ctx context.Context, productArg, reference string, jsonOutput bool) error {
	productID, err := parseID("product", productArg)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cmp, err := report.New(a.db).Compare(ctx, productID, a.referenceID(ctx, reference))
	if err != nil {
		return fmt.Errorf("compare product %d: %w", productID, err)
	}
	if jsonOutput {
		return printJSON(cmp)
	}

	fmt.Printf("%s (product %d)\n", cmp.Product.CanonicalName, cmp.Product.ID)
	if len(cmp.Listings) == 0 {
		fmt.Println("no listings from completed runs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHOP\tPRICE\tSTOCK\tWARRANTY\tREVIEWS\tMATCH\tCAPTURED")
	for _, v := range cmp.Listings {
		price, stock, captured := "-", "-", "-"
		if v.Latest != nil {
			if v.Latest.PriceCents != nil {
				price = alert.FormatCents(v.Latest.Currency, *v.Latest.PriceCents)
			}
			if v.Latest.InStock != nil {
				stock = strconv.FormatBool(*v.Latest.InStock)
			}
			captured = v.Latest.CapturedAt.Format(time.RFC3339)
		}
		warranty := "-"
		if cs := v.CustomerService; cs != nil && cs.WarrantyMonths != nil {
			warranty = fmt.Sprintf("%dm", *cs.WarrantyMonths)
		}
		reviews := strconv.Itoa(v.Reviews.Count)
		if v.Reviews.AverageRating != nil {
			reviews += fmt.Sprintf(" (%.1f)", *v.Reviews.AverageRating)
		}
		method := "-"
		if v.Match != nil {
			method = fmt.Sprintf("%s %.2f", v.Match.Method, v.Match.Confidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Competitor.Key, price, stock, warranty, reviews, method, captured)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if sp := cmp.Spread; sp != nil {
		fmt.Printf("\nspread: %s .. %s, median %s over %d shops\n",
			alert.FormatCents(sp.Currency, sp.MinCents),
			alert.FormatCents(sp.Currency, sp.MaxCents),
			alert.FormatCents(sp.Currency, int64(sp.MedianCents)),
			sp.Shops)
	}
	if ref := cmp.Reference; ref != nil {
		if ref.Rank > 0 {
			fmt.Printf("reference: %s (rank %d of %d)\n", ref.Label, ref.Rank, ref.Of)
		} else {
			fmt.Printf("reference: %s\n", ref.Label)
		}
	}
	return nil
}

func runPair(ctx context.Context, aArg, bArg string, jsonOutput bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ca, err := a.competitorID(ctx, aArg)
	if err != nil {
		return err
	}
	cb, err := a.competitorID(ctx, bArg)
	if err != nil {
		return err
	}
	pair, err := report.New(a.db).ComparePair(ctx, ca, cb)
	if err != nil {
		return fmt.Errorf("compare %s and %s: %w", aArg, bArg, err)
	}
	if jsonOutput {
		return printJSON(pair)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tPRODUCT\t%s\t%s\tDELTA\tCHEAPER\n", strings.ToUpper(pair.A.Key), strings.ToUpper(pair.B.Key))
	for _, row := range pair.Rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", row.ProductID, row.Name,
			cents(row.Currency, row.ACents), cents(row.Currency, row.BCents),
			cents(row.Currency, row.DeltaCents), row.Cheaper)
	}
	return w.Flush()
}

func cents(currency string, v *int64) string {
	if v == nil {
		return "-"
	}
	return alert.FormatCents(currency, *v)
}

func runReview(ctx context.Context, limit int, jsonOutput bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := report.New(a.db).NeedsReview(ctx, limit)
	if err != nil {
		return fmt.Errorf("list review queue: %w", err)
	}
	if jsonOutput {
		return printJSON(items)
	}
	if len(items) == 0 {
		fmt.Println("review queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LISTING\tSHOP\tNATIVE ID\tTITLE\tREASON")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", it.Listing.ID, it.Competitor, it.Listing.NativeID, it.Listing.Title, it.Reason)
	}
	return w.Flush()
}

func runOverride(ctx context.Context, listingArg, productArg, reason, actor string) error {
	listingID, err := parseID("listing", listingArg)
	if err != nil {
		return err
	}
	productID, err := parseID("product", productArg)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.matcher(ctx)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	o, err := m.Override(ctx, listingID, productID, reason, actor)
	if err != nil {
		return fmt.Errorf("override listing %d: %w", listingID, err)
	}
	old := "none"
	if o.OldProductID != nil {
		old = strconv.FormatInt(*o.OldProductID, 10)
	}
	fmt.Fprintf(os.Stderr, "listing %d: product %s -> %d (override %d by %s)\n", listingID, old, productID, o.ID, o.Actor)
	return nil
}

func runRunsList(ctx context.Context, competitor, status string, limit int, jsonOutput bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := store.RunListOpts{Status: store.RunStatus(status), Limit: limit}
	if competitor != "" {
		if opts.CompetitorID, err = a.competitorID(ctx, competitor); err != nil {
			return err
		}
	}
	list, err := report.New(a.db).Runs(ctx, opts)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if jsonOutput {
		return printJSON(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMPETITOR\tKEY\tSTATUS\tSTARTED\tENDED\tREASON")
	for _, r := range list {
		ended := "-"
		if r.EndedAt != nil {
			ended = r.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.CompetitorID, r.RunKey, r.Status,
			r.StartedAt.Format(time.RFC3339), ended, r.FailureReason)
	}
	return w.Flush()
}

func runRunsShow(ctx context.Context, runArg string) error {
	runID, err := parseID("run", runArg)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rr, err := report.New(a.db).Run(ctx, runID)
	if err != nil {
		return fmt.Errorf("show run %d: %w", runID, err)
	}
	return printJSON(rr)
}

func runRunsFail(ctx context.Context, runArg, reason string) error {
	runID, err := parseID("run", runArg)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tr := runs.NewTracker(a.db, nil, 0, a.log)
	if err := tr.Fail(ctx, runID, reason); err != nil {
		return fmt.Errorf("fail run %d: %w", runID, err)
	}
	fmt.Fprintf(os.Stderr, "run %d marked failed\n", runID)
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(a.db, report.New(a.db), a.cfg.Report.ReferenceCompetitor, port, a.log)
	return srv.ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	sources, err := buildSources(a.cfg)
	if err != nil {
		return err
	}
	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(p, sources, a.cfg.Schedule.ParseImportInterval(), a.log)
	srv := server.New(a.db, report.New(a.db), a.cfg.Report.ReferenceCompetitor, port, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	a.log.Info("shutting down")
	return err
}
