// Command seed-db loads a development dataset: the craft catalog, tailoring
// courses, Kampala delivery zones, a handful of coupons, and test user tokens.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kapcdam/shop-api/internal/repository"
)

type variantJSON struct {
	SKU   string `json:"sku"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

type productJSON struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Price           int64         `json:"price"`
	Stock           int           `json:"stock"`
	DiscountPercent int           `json:"discountPercent"`
	DiscountActive  bool          `json:"discountActive"`
	Variants        []variantJSON `json:"variants"`
}

type courseJSON struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Price           int64  `json:"price"`
	DiscountPercent int    `json:"discountPercent"`
	DiscountActive  bool   `json:"discountActive"`
}

type catalogJSON struct {
	Products []productJSON `json:"products"`
	Courses  []courseJSON  `json:"courses"`
}

const (
	upsertProductSQL = `INSERT INTO products (id, title, price, stock, discount_percent, discount_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, price = EXCLUDED.price, stock = EXCLUDED.stock,
			discount_percent = EXCLUDED.discount_percent, discount_active = EXCLUDED.discount_active`

	upsertVariantSQL = `INSERT INTO product_variants (product_id, sku, price, stock)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, sku) DO UPDATE SET
			price = EXCLUDED.price, stock = EXCLUDED.stock`

	upsertCourseSQL = `INSERT INTO courses (id, title, price, discount_percent, discount_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, price = EXCLUDED.price,
			discount_percent = EXCLUDED.discount_percent, discount_active = EXCLUDED.discount_active`

	upsertZoneSQL = `INSERT INTO delivery_zones (id, name, fee, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, fee = EXCLUDED.fee, active = TRUE`

	upsertCouponSQL = `INSERT INTO coupons (code, percent, min_order_amount, description, active)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (code) DO UPDATE SET
			percent = EXCLUDED.percent, min_order_amount = EXCLUDED.min_order_amount,
			description = EXCLUDED.description, active = TRUE`

	upsertUserSQL = `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`

	upsertTokenSQL = `INSERT INTO user_tokens (token_hash, user_id, role, revoked)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (token_hash) DO UPDATE SET user_id = EXCLUDED.user_id, role = EXCLUDED.role, revoked = FALSE`
)

func main() {
	var (
		databaseURL string
		catalogFile string
		customerTok string
		adminTok    string
		tokenPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
	flag.StringVar(&customerTok, "customer-token", "", "customer token to seed (or KAPCDAM_SEED_CUSTOMER_TOKEN env)")
	flag.StringVar(&adminTok, "admin-token", "", "admin token to seed (or KAPCDAM_SEED_ADMIN_TOKEN env)")
	flag.StringVar(&tokenPepper, "token-pepper", "", "HMAC pepper for token hashing (or KAPCDAM_TOKEN_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if customerTok == "" {
		customerTok = os.Getenv("KAPCDAM_SEED_CUSTOMER_TOKEN")
	}
	if adminTok == "" {
		adminTok = os.Getenv("KAPCDAM_SEED_ADMIN_TOKEN")
	}
	if tokenPepper == "" {
		tokenPepper = os.Getenv("KAPCDAM_TOKEN_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, customerTok, adminTok, tokenPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, customerTok, adminTok, pepper string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedCatalog(ctx, pool, catalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedZones(ctx, pool); err != nil {
		return errors.Wrap(err, "seed delivery zones")
	}

	if err := seedCoupons(ctx, pool); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	if err := seedTokens(ctx, pool, customerTok, adminTok, pepper); err != nil {
		return errors.Wrap(err, "seed user tokens")
	}

	return nil
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}

	var cat catalogJSON
	if err := json.Unmarshal(data, &cat); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("upserting catalog",
		slog.Int("products", len(cat.Products)),
		slog.Int("courses", len(cat.Courses)),
	)

	for _, p := range cat.Products {
		if _, err := pool.Exec(ctx, upsertProductSQL,
			p.ID, p.Title, p.Price, p.Stock, p.DiscountPercent, p.DiscountActive,
		); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		for _, v := range p.Variants {
			if _, err := pool.Exec(ctx, upsertVariantSQL, p.ID, v.SKU, v.Price, v.Stock); err != nil {
				return errors.Wrapf(err, "upsert variant %s/%s", p.ID, v.SKU)
			}
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("title", p.Title))
	}

	for _, c := range cat.Courses {
		if _, err := pool.Exec(ctx, upsertCourseSQL,
			c.ID, c.Title, c.Price, c.DiscountPercent, c.DiscountActive,
		); err != nil {
			return errors.Wrapf(err, "upsert course %s", c.ID)
		}

		slog.Info("upserted course", slog.String("id", c.ID), slog.String("title", c.Title))
	}

	return nil
}

func seedZones(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding delivery zones")

	zones := []struct {
		id   string
		name string
		fee  int64
	}{
		{"zone-kampala-central", "Kampala Central", 5_000},
		{"zone-kampala-suburbs", "Kampala Suburbs", 8_000},
		{"zone-wakiso", "Wakiso District", 12_000},
		{"zone-entebbe", "Entebbe", 15_000},
	}

	for _, z := range zones {
		if _, err := pool.Exec(ctx, upsertZoneSQL, z.id, z.name, z.fee); err != nil {
			return errors.Wrapf(err, "upsert zone %s", z.id)
		}

		slog.Info("upserted zone", slog.String("id", z.id), slog.Int64("fee", z.fee))
	}

	return nil
}

func seedCoupons(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding coupons")

	coupons := []struct {
		code           string
		percent        decimal.Decimal
		minOrderAmount int64
		description    string
	}{
		{"WELCOME10", decimal.NewFromInt(10), 0, "Welcome: 10% off your first order"},
		{"KAPCCARE", decimal.NewFromInt(20), 0, "Supporter thank-you: 20% off"},
		{"TRAINING25", decimal.NewFromInt(25), 50_000, "Course enrolment: 25% off orders over 50,000 UGX"},
	}

	for _, c := range coupons {
		if _, err := pool.Exec(ctx, upsertCouponSQL,
			c.code, c.percent, c.minOrderAmount, c.description,
		); err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.code)
		}

		slog.Info("upserted coupon", slog.String("code", c.code), slog.String("description", c.description))
	}

	return nil
}

func seedTokens(ctx context.Context, pool *pgxpool.Pool, customerTok, adminTok, pepper string) error {
	if customerTok == "" && adminTok == "" {
		slog.Info("no tokens provided, skipping user token seed")
		return nil
	}

	slog.Info("seeding user tokens")

	seed := []struct {
		token string
		id    string
		name  string
		email string
		role  string
	}{
		{customerTok, "user-demo-customer", "Demo Customer", "customer@example.com", "customer"},
		{adminTok, "user-demo-admin", "Demo Admin", "admin@kapcdam.org", "admin"},
	}

	for _, s := range seed {
		if s.token == "" {
			continue
		}

		if _, err := pool.Exec(ctx, upsertUserSQL, s.id, s.name, s.email); err != nil {
			return errors.Wrapf(err, "upsert user %s", s.id)
		}
		if _, err := pool.Exec(ctx, upsertTokenSQL, tokenHash(s.token, pepper), s.id, s.role); err != nil {
			return errors.Wrapf(err, "upsert token for %s", s.id)
		}

		slog.Info("upserted user token", slog.String("user", s.id), slog.String("role", s.role))
	}

	return nil
}

func tokenHash(token, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
