package store

import "strings"

// schemaTemplate is shared by both dialects; {{pk}}, {{ts}} and {{real}} are
// replaced per driver.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS competitor (
    competitor_id INTEGER PRIMARY KEY,
    shop_key      TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL,
    country       TEXT NOT NULL DEFAULT '',
    base_url      TEXT NOT NULL DEFAULT '',
    currency      TEXT NOT NULL DEFAULT 'EUR'
);

CREATE TABLE IF NOT EXISTS scraperun (
    scrape_run_id   {{pk}},
    run_key         TEXT NOT NULL UNIQUE,
    competitor_id   INTEGER NOT NULL REFERENCES competitor(competitor_id),
    status          TEXT NOT NULL,
    started_at      {{ts}} NOT NULL,
    ended_at        {{ts}},
    crawler_version TEXT NOT NULL DEFAULT '',
    git_commit_hash TEXT NOT NULL DEFAULT '',
    notes           TEXT NOT NULL DEFAULT '',
    failure_reason  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scraperun_competitor ON scraperun(competitor_id, status);

CREATE TABLE IF NOT EXISTS category (
    category_id        {{pk}},
    competitor_id      INTEGER NOT NULL REFERENCES competitor(competitor_id),
    name               TEXT NOT NULL DEFAULT '',
    url                TEXT NOT NULL,
    parent_category_id INTEGER REFERENCES category(category_id),
    UNIQUE(competitor_id, url)
);

CREATE TABLE IF NOT EXISTS pagelink (
    page_id       {{pk}},
    competitor_id INTEGER NOT NULL REFERENCES competitor(competitor_id),
    page_type     TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL,
    UNIQUE(competitor_id, url)
);

CREATE TABLE IF NOT EXISTS product (
    product_id     {{pk}},
    canonical_name TEXT NOT NULL,
    brand          TEXT NOT NULL DEFAULT '',
    model          TEXT NOT NULL DEFAULT '',
    signature      TEXT NOT NULL UNIQUE,
    created_at     {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS productlisting (
    listing_id    {{pk}},
    product_id    INTEGER REFERENCES product(product_id),
    competitor_id INTEGER NOT NULL REFERENCES competitor(competitor_id),
    category_id   INTEGER REFERENCES category(category_id),
    native_id     TEXT NOT NULL,
    title_on_page TEXT NOT NULL,
    product_url   TEXT NOT NULL DEFAULT '',
    gtin          TEXT NOT NULL DEFAULT '',
    mpn           TEXT NOT NULL DEFAULT '',
    scrape_run_id INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    first_seen    {{ts}} NOT NULL,
    last_seen     {{ts}} NOT NULL,
    needs_review  BOOLEAN NOT NULL DEFAULT FALSE,
    review_reason TEXT NOT NULL DEFAULT '',
    UNIQUE(competitor_id, native_id)
);

CREATE INDEX IF NOT EXISTS idx_productlisting_product ON productlisting(product_id);
CREATE INDEX IF NOT EXISTS idx_productlisting_category ON productlisting(category_id);

CREATE TABLE IF NOT EXISTS productmatch (
    match_id     {{pk}},
    product_id   INTEGER NOT NULL REFERENCES product(product_id),
    listing_id   INTEGER NOT NULL UNIQUE REFERENCES productlisting(listing_id),
    match_method TEXT NOT NULL,
    match_score  {{real}} NOT NULL,
    seed         BOOLEAN NOT NULL DEFAULT FALSE,
    signature    TEXT NOT NULL DEFAULT '',
    matched_at   {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_productmatch_product ON productmatch(product_id);

CREATE TABLE IF NOT EXISTS match_override (
    override_id    {{pk}},
    listing_id     INTEGER NOT NULL REFERENCES productlisting(listing_id),
    old_product_id INTEGER REFERENCES product(product_id),
    new_product_id INTEGER NOT NULL REFERENCES product(product_id),
    reason         TEXT NOT NULL DEFAULT '',
    actor          TEXT NOT NULL DEFAULT '',
    created_at     {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS pricesnapshot (
    price_snapshot_id     {{pk}},
    listing_id            INTEGER NOT NULL REFERENCES productlisting(listing_id),
    scrape_run_id         INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    captured_at           {{ts}} NOT NULL,
    currency              TEXT NOT NULL DEFAULT '',
    current_price_cents   BIGINT,
    base_price_cents      BIGINT,
    discount_amount_cents BIGINT,
    discount_percent      {{real}},
    discounted            BOOLEAN NOT NULL DEFAULT FALSE,
    price_text            TEXT NOT NULL DEFAULT '',
    in_stock              BOOLEAN,
    stock_status_text     TEXT NOT NULL DEFAULT '',
    UNIQUE(listing_id, scrape_run_id)
);

CREATE INDEX IF NOT EXISTS idx_pricesnapshot_run ON pricesnapshot(scrape_run_id);
CREATE INDEX IF NOT EXISTS idx_pricesnapshot_captured ON pricesnapshot(listing_id, captured_at);

CREATE TABLE IF NOT EXISTS price_change (
    price_change_id   {{pk}},
    listing_id        INTEGER NOT NULL REFERENCES productlisting(listing_id),
    scrape_run_id     INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    price_snapshot_id INTEGER NOT NULL REFERENCES pricesnapshot(price_snapshot_id),
    currency          TEXT NOT NULL DEFAULT '',
    old_price_cents   BIGINT NOT NULL,
    new_price_cents   BIGINT NOT NULL,
    delta_cents       BIGINT NOT NULL,
    delta_percent     {{real}} NOT NULL,
    detected_at       {{ts}} NOT NULL,
    UNIQUE(listing_id, scrape_run_id)
);

CREATE TABLE IF NOT EXISTS review (
    review_id     {{pk}},
    listing_id    INTEGER NOT NULL REFERENCES productlisting(listing_id),
    scrape_run_id INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    captured_at   {{ts}} NOT NULL,
    rating_value  {{real}},
    rating_scale  INTEGER NOT NULL DEFAULT 5,
    review_count  INTEGER,
    review_text   TEXT NOT NULL DEFAULT '',
    reviewer_name TEXT NOT NULL DEFAULT '',
    verified      BOOLEAN,
    review_hash   TEXT NOT NULL,
    UNIQUE(listing_id, scrape_run_id, review_hash)
);

CREATE TABLE IF NOT EXISTS customer_service (
    customer_service_id           {{pk}},
    competitor_id                 INTEGER NOT NULL REFERENCES competitor(competitor_id),
    listing_key                   INTEGER NOT NULL DEFAULT 0,
    scrape_run_id                 INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    scraped_at                    {{ts}} NOT NULL,
    shipping_included             BOOLEAN,
    free_shipping_threshold_cents BIGINT,
    pickup_point_available        BOOLEAN,
    delivery_shipping_available   BOOLEAN,
    delivery_courier_available    BOOLEAN,
    cooling_off_days              INTEGER,
    free_returns                  BOOLEAN,
    warranty_provider             TEXT NOT NULL DEFAULT '',
    warranty_duration_months      INTEGER,
    customer_service_url          TEXT NOT NULL DEFAULT '',
    UNIQUE(competitor_id, listing_key)
);

CREATE TABLE IF NOT EXISTS expert_support (
    expert_support_id       {{pk}},
    competitor_id           INTEGER NOT NULL REFERENCES competitor(competitor_id),
    listing_key             INTEGER NOT NULL DEFAULT 0,
    scrape_run_id           INTEGER NOT NULL REFERENCES scraperun(scrape_run_id),
    scraped_at              {{ts}} NOT NULL,
    source_url              TEXT NOT NULL DEFAULT '',
    expert_chat_available   BOOLEAN,
    phone_support_available BOOLEAN,
    email_support_available BOOLEAN,
    whatsapp_available      BOOLEAN,
    in_store_support        BOOLEAN,
    expert_support_text     TEXT NOT NULL DEFAULT '',
    UNIQUE(competitor_id, listing_key)
);
`

func schemaFor(driver string) string {
	var r *strings.Replacer
	switch driver {
	case DriverPostgres:
		r = strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{ts}}", "TIMESTAMPTZ",
			"{{real}}", "DOUBLE PRECISION",
		)
	default:
		r = strings.NewReplacer(
			"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{ts}}", "DATETIME",
			"{{real}}", "REAL",
		)
	}
	return r.Replace(schemaTemplate)
}
