package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SnapshotOpts filters price history reads.
type SnapshotOpts struct {
	// CompletedOnly restricts rows to runs that reached completed.
	CompletedOnly bool
	// PricedOnly skips snapshots without a price.
	PricedOnly bool
	// ExcludeRunID skips one run, typically the one currently being written.
	ExcludeRunID int64
}

// RunListOpts controls run listing.
type RunListOpts struct {
	CompetitorID int64
	Status       RunStatus
	Limit        int
}

// ProductListOpts controls product listing.
type ProductListOpts struct {
	Brand string
	Limit int
}

// Store is the persistence interface.
type Store interface {
	Ping(ctx context.Context) error
	SeedCompetitors(ctx context.Context, competitors []Competitor) error
	ListCompetitors(ctx context.Context) ([]Competitor, error)
	GetCompetitor(ctx context.Context, id int64) (*Competitor, error)
	GetCompetitorByKey(ctx context.Context, key string) (*Competitor, error)
	UpsertCategory(ctx context.Context, c *Category) error
	ListCategories(ctx context.Context, competitorID int64) ([]Category, error)
	UpsertPageLink(ctx context.Context, p *PageLink) error
	ListPageLinks(ctx context.Context, competitorID int64) ([]PageLink, error)

	CreateRun(ctx context.Context, run *ScrapeRun) error
	GetRun(ctx context.Context, id int64) (*ScrapeRun, error)
	TransitionRun(ctx context.Context, id int64, from, to RunStatus, reason string) error
	ListRuns(ctx context.Context, opts RunListOpts) ([]ScrapeRun, error)
	OpenRuns(ctx context.Context, competitorID int64) ([]ScrapeRun, error)

	CreateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductBySignature(ctx context.Context, signature string) (*Product, error)
	ListProducts(ctx context.Context, opts ProductListOpts) ([]Product, error)
	EnrichProduct(ctx context.Context, id int64, brand, model string) error

	UpsertListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id int64) (*Listing, error)
	FindListing(ctx context.Context, competitorID int64, nativeID string) (*Listing, error)
	AssignProduct(ctx context.Context, m *ProductMatch) (bool, error)
	ParkListing(ctx context.Context, listingID int64, reason string) error
	OverrideProduct(ctx context.Context, o *MatchOverride) error
	GetMatch(ctx context.Context, listingID int64) (*ProductMatch, error)
	MatchSignatures(ctx context.Context) ([]ProductMatch, error)
	ListingsForProduct(ctx context.Context, productID int64) ([]Listing, error)
	ListingsNeedingReview(ctx context.Context, limit int) ([]Listing, error)
	ProductsListedBy(ctx context.Context, competitorA, competitorB int64) ([]int64, error)
	ListOverrides(ctx context.Context, listingID int64) ([]MatchOverride, error)

	InsertSnapshot(ctx context.Context, s *PriceSnapshot) (bool, error)
	SnapshotForRun(ctx context.Context, listingID, runID int64) (*PriceSnapshot, error)
	LatestSnapshot(ctx context.Context, listingID int64, opts SnapshotOpts) (*PriceSnapshot, error)
	Snapshots(ctx context.Context, listingID int64, opts SnapshotOpts) ([]PriceSnapshot, error)
	RunSnapshots(ctx context.Context, runID int64) ([]PriceSnapshot, error)
	InsertPriceChange(ctx context.Context, c *PriceChange) (bool, error)
	PriceChanges(ctx context.Context, listingID int64, opts SnapshotOpts) ([]PriceChange, error)

	UpsertCustomerService(ctx context.Context, cs *CustomerService) error
	LatestCustomerService(ctx context.Context, competitorID, listingID int64) (*CustomerService, error)
	UpsertExpertSupport(ctx context.Context, es *ExpertSupport) error
	LatestExpertSupport(ctx context.Context, competitorID, listingID int64) (*ExpertSupport, error)
	AddReview(ctx context.Context, r *Review) (bool, error)
	Reviews(ctx context.Context, listingID int64) ([]Review, error)

	Close() error
}

// Options configures the SQL store.
type Options struct {
	Driver     string
	DSN        string
	OpTimeout  time.Duration
	MaxRetries int
}

// SQLStore implements Store on sqlx, over modernc sqlite or pgx.
type SQLStore struct {
	db        *sqlx.DB
	driver    string
	opTimeout time.Duration
	maxTries  uint
	now       func() time.Time
}

// New opens the database and creates the schema.
func New(opts Options) (*SQLStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	dsn := opts.DSN
	if driver == DriverSQLite {
		if dsn == "" {
			dsn = "./micradar.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
		}
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer connection; concurrent callers queue on the pool with
		// their operation deadline instead of failing on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:        db,
		driver:    driver,
		opTimeout: opts.OpTimeout,
		maxTries:  uint(opts.MaxRetries) + 1,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if s.opTimeout <= 0 {
		s.opTimeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		s.maxTries = 4
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaFor(s.driver), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

// do runs fn under a bounded per-attempt timeout and retries transient
// failures with exponential backoff. Every write in this package is keyed
// by a unique constraint, so a retried attempt cannot duplicate rows.
func (s *SQLStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		if err := fn(opCtx); err != nil {
			if isTransient(ctx, err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.maxTries))
	if err == nil {
		return nil
	}
	if isTransient(ctx, err) {
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}

// get runs a single-row query, mapping no rows to ErrNotFound.
func (s *SQLStore) get(ctx context.Context, op string, dest any, query string, args ...any) error {
	err := s.do(ctx, op, func(ctx context.Context) error {
		return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) selectRows(ctx context.Context, op string, dest any, query string, args ...any) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
	})
}

func (s *SQLStore) exec(ctx context.Context, op string, query string, args ...any) (int64, error) {
	var affected int64
	err := s.do(ctx, op, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// tx runs fn inside a transaction, retried as a whole on transient errors.
func (s *SQLStore) tx(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLStore) SeedCompetitors(ctx context.Context, competitors []Competitor) error {
	for _, c := range competitors {
		if c.Currency == "" {
			c.Currency = "EUR"
		}
		_, err := s.exec(ctx, "seed competitor", `
			INSERT INTO competitor (competitor_id, shop_key, name, country, base_url, currency)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(competitor_id) DO UPDATE SET
				shop_key = excluded.shop_key,
				name = excluded.name,
				country = excluded.country,
				base_url = excluded.base_url,
				currency = excluded.currency
		`, c.ID, c.Key, c.Name, c.Country, c.BaseURL, c.Currency)
		if err != nil {
			return fmt.Errorf("seed competitor %s: %w", c.Key, err)
		}
	}
	return nil
}

func (s *SQLStore) ListCompetitors(ctx context.Context) ([]Competitor, error) {
	var out []Competitor
	if err := s.selectRows(ctx, "list competitors", &out, "SELECT * FROM competitor ORDER BY competitor_id"); err != nil {
		return nil, fmt.Errorf("list competitors: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetCompetitor(ctx context.Context, id int64) (*Competitor, error) {
	var c Competitor
	if err := s.get(ctx, "get competitor", &c, "SELECT * FROM competitor WHERE competitor_id = ?", id); err != nil {
		return nil, fmt.Errorf("get competitor %d: %w", id, err)
	}
	return &c, nil
}

func (s *SQLStore) GetCompetitorByKey(ctx context.Context, key string) (*Competitor, error) {
	var c Competitor
	if err := s.get(ctx, "get competitor", &c, "SELECT * FROM competitor WHERE shop_key = ?", key); err != nil {
		return nil, fmt.Errorf("get competitor %s: %w", key, err)
	}
	return &c, nil
}

func (s *SQLStore) UpsertCategory(ctx context.Context, c *Category) error {
	err := s.get(ctx, "upsert category", &c.ID, `
		INSERT INTO category (competitor_id, name, url, parent_category_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(competitor_id, url) DO UPDATE SET name = excluded.name
		RETURNING category_id
	`, c.CompetitorID, c.Name, c.URL, c.ParentID)
	if err != nil {
		return fmt.Errorf("upsert category %s: %w", c.URL, err)
	}
	return nil
}

func (s *SQLStore) ListCategories(ctx context.Context, competitorID int64) ([]Category, error) {
	var out []Category
	err := s.selectRows(ctx, "list categories", &out,
		"SELECT * FROM category WHERE competitor_id = ? ORDER BY category_id", competitorID)
	if err != nil {
		return nil, fmt.Errorf("list categories %d: %w", competitorID, err)
	}
	return out, nil
}

func (s *SQLStore) UpsertPageLink(ctx context.Context, p *PageLink) error {
	err := s.get(ctx, "upsert pagelink", &p.ID, `
		INSERT INTO pagelink (competitor_id, page_type, url)
		VALUES (?, ?, ?)
		ON CONFLICT(competitor_id, url) DO UPDATE SET page_type = excluded.page_type
		RETURNING page_id
	`, p.CompetitorID, p.PageType, p.URL)
	if err != nil {
		return fmt.Errorf("upsert pagelink %s: %w", p.URL, err)
	}
	return nil
}

func (s *SQLStore) ListPageLinks(ctx context.Context, competitorID int64) ([]PageLink, error) {
	var out []PageLink
	err := s.selectRows(ctx, "list pagelinks", &out,
		"SELECT * FROM pagelink WHERE competitor_id = ? ORDER BY page_id", competitorID)
	if err != nil {
		return nil, fmt.Errorf("list pagelinks %d: %w", competitorID, err)
	}
	return out, nil
}
