package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schemaStatements = []struct {
	name  string
	query string
}{
	{"bookings", `
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	asset_type VARCHAR(20) NOT NULL,
	asset_id VARCHAR(100) NOT NULL,
	customer JSONB NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	scheduled_date VARCHAR(10) NOT NULL DEFAULT '',
	scheduled_time VARCHAR(5) NOT NULL DEFAULT '',
	base_amount BIGINT NOT NULL CHECK (base_amount >= 0),
	discount_amount BIGINT NOT NULL CHECK (discount_amount >= 0),
	final_amount BIGINT NOT NULL CHECK (final_amount >= 0),
	currency CHAR(3) NOT NULL,
	applied_coupons JSONB NOT NULL DEFAULT '[]',
	status VARCHAR(30) NOT NULL,
	payment_status VARCHAR(30) NOT NULL,
	confirmation_code VARCHAR(20) UNIQUE,
	preference_id VARCHAR(100),
	checkout_url TEXT,
	provider_payment_id VARCHAR(100),
	capacity_hold_id TEXT,
	hold_released_at TIMESTAMPTZ,
	cancel_reason TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ NOT NULL,
	payment_initiated_at TIMESTAMPTZ,
	confirmed_at TIMESTAMPTZ,
	canceled_at TIMESTAMPTZ,
	expired_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (final_amount = base_amount - discount_amount)
);
CREATE INDEX IF NOT EXISTS idx_bookings_expiry ON bookings (expires_at) WHERE status IN ('draft', 'payment_pending');
CREATE INDEX IF NOT EXISTS idx_bookings_unreleased ON bookings (updated_at) WHERE capacity_hold_id IS NOT NULL AND hold_released_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_bookings_preference ON bookings (preference_id);
CREATE INDEX IF NOT EXISTS idx_bookings_customer ON bookings ((customer->>'user_id'));`},
	{"coupons", `
CREATE TABLE IF NOT EXISTS coupons (
	id UUID PRIMARY KEY,
	code VARCHAR(20) NOT NULL UNIQUE,
	description TEXT,
	discount_type VARCHAR(20) NOT NULL,
	discount_value BIGINT NOT NULL,
	max_discount_amount BIGINT,
	minimum_order_value BIGINT,
	maximum_order_value BIGINT,
	usage_limit INTEGER,
	user_usage_limit INTEGER,
	usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
	valid_from TIMESTAMPTZ NOT NULL,
	valid_until TIMESTAMPTZ NOT NULL,
	type VARCHAR(30) NOT NULL,
	allowed_users TEXT[] NOT NULL DEFAULT '{}',
	applicable_assets JSONB NOT NULL DEFAULT '[]',
	global_application JSONB NOT NULL DEFAULT '{}',
	stackable BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_by VARCHAR(100) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (valid_from < valid_until)
);`},
	{"coupon_redemptions", `
CREATE TABLE IF NOT EXISTS coupon_redemptions (
	id UUID PRIMARY KEY,
	coupon_id UUID NOT NULL REFERENCES coupons (id),
	user_id VARCHAR(100) NOT NULL DEFAULT '',
	booking_id UUID NOT NULL REFERENCES bookings (id),
	discount_amount BIGINT NOT NULL,
	kind VARCHAR(20) NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (booking_id, coupon_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_coupon_redemptions_user ON coupon_redemptions (coupon_id, user_id);`},
	{"payment_events", `
CREATE TABLE IF NOT EXISTS payment_events (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL REFERENCES bookings (id),
	provider_event_id VARCHAR(100) NOT NULL,
	provider_payment_id VARCHAR(100) NOT NULL DEFAULT '',
	booking_reference VARCHAR(100) NOT NULL,
	status VARCHAR(50) NOT NULL,
	mapped_status VARCHAR(30) NOT NULL DEFAULT '',
	amount BIGINT NOT NULL DEFAULT 0,
	currency VARCHAR(3) NOT NULL DEFAULT '',
	expected_amount BIGINT,
	amounts_match BOOLEAN,
	outcome VARCHAR(20) NOT NULL,
	anomaly_reason TEXT,
	from_status VARCHAR(30),
	to_status VARCHAR(30),
	raw_payload JSONB,
	ip_address VARCHAR(45),
	user_agent TEXT,
	device VARCHAR(100),
	provider_timestamp TIMESTAMPTZ,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (booking_id, provider_event_id)
);`},
	{"capacity", `
CREATE TABLE IF NOT EXISTS capacity_slots (
	asset_id VARCHAR(100) NOT NULL,
	slot VARCHAR(20) NOT NULL,
	capacity INTEGER NOT NULL CHECK (capacity >= 0),
	reserved INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (asset_id, slot)
);
CREATE TABLE IF NOT EXISTS capacity_holds (
	id UUID PRIMARY KEY,
	asset_id VARCHAR(100) NOT NULL,
	slot VARCHAR(20) NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	released_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`},
}

// InitializeDBSchema creates the engine's tables when they do not exist
func InitializeDBSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt.query); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", stmt.name, err)
		}
	}
	return nil
}

// TruncateBookingData deletes every booking, redemption, event and hold.
// Coupons are kept with their usage counters reset.
func TruncateBookingData(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`TRUNCATE payment_events, coupon_redemptions, capacity_holds, bookings`,
		`UPDATE capacity_slots SET reserved = 0, updated_at = NOW()`,
		`UPDATE coupons SET usage_count = 0, updated_at = NOW()`,
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear booking data: %w", err)
		}
	}
	return tx.Commit()
}
