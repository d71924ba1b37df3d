package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/veridix/agora/pkg/apierr"
	"github.com/veridix/agora/pkg/ids"
	"github.com/veridix/agora/pkg/props"
	"github.com/veridix/agora/pkg/types"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS market_offers (
	id TEXT PRIMARY KEY,
	properties JSONB NOT NULL,
	constraints TEXT NOT NULL,
	node_id TEXT NOT NULL,
	creation_ts TIMESTAMPTZ NOT NULL,
	expiration_ts TIMESTAMPTZ NOT NULL,
	unsubscribed BOOLEAN NOT NULL DEFAULT FALSE,
	unsubscribed_ts TIMESTAMPTZ,
	is_local BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS market_demands (
	id TEXT PRIMARY KEY,
	properties JSONB NOT NULL,
	constraints TEXT NOT NULL,
	node_id TEXT NOT NULL,
	creation_ts TIMESTAMPTZ NOT NULL,
	expiration_ts TIMESTAMPTZ NOT NULL,
	unsubscribed BOOLEAN NOT NULL DEFAULT FALSE,
	unsubscribed_ts TIMESTAMPTZ
);
`

// PgOfferDAO is a Postgres-backed offer DAO. Each mutation runs in a
// transaction scoped to its single row.
type PgOfferDAO struct {
	db *sql.DB
}

// PgDemandDAO is the Postgres-backed demand DAO.
type PgDemandDAO struct {
	db *sql.DB
}

// InitPgSchema creates the subscription tables if missing.
func InitPgSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, pgSchema)
	return err
}

func NewPgOfferDAO(db *sql.DB) *PgOfferDAO {
	return &PgOfferDAO{db: db}
}

func NewPgDemandDAO(db *sql.DB) *PgDemandDAO {
	return &PgDemandDAO{db: db}
}

func (d *PgOfferDAO) Create(ctx context.Context, offer Offer) error {
	raw, err := offer.Properties.MarshalJSON()
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO market_offers (id, properties, constraints, node_id, creation_ts, expiration_ts, is_local)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		offer.ID.String(), raw, offer.Constraints, offer.NodeID.String(),
		offer.CreationTS.UTC(), offer.ExpirationTS.UTC(), offer.Local)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apierr.New(apierr.KindAlreadyExists, "offer %s already exists", offer.ID)
	}
	return nil
}

func (d *PgOfferDAO) Get(ctx context.Context, id ids.SubscriptionID) (Offer, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, properties, constraints, node_id, creation_ts, expiration_ts, unsubscribed, unsubscribed_ts, is_local
		FROM market_offers WHERE id = $1`, id.String())

	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, apierr.New(apierr.KindNotFound, "offer %s not found", id)
	}
	return offer, err
}

func (d *PgOfferDAO) MarkUnsubscribed(ctx context.Context, id ids.SubscriptionID, ts time.Time) error {
	return markUnsubscribed(ctx, d.db, "market_offers", "offer", id, ts)
}

func (d *PgOfferDAO) ListActive(ctx context.Context, now time.Time, localOnly bool) ([]Offer, error) {
	query := `
		SELECT id, properties, constraints, node_id, creation_ts, expiration_ts, unsubscribed, unsubscribed_ts, is_local
		FROM market_offers WHERE NOT unsubscribed AND expiration_ts > $1`
	args := []any{now.UTC()}
	if localOnly {
		query += ` AND is_local`
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func (d *PgOfferDAO) Clean(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	return clean(ctx, d.db, "market_offers", now, grace)
}

func (d *PgDemandDAO) Create(ctx context.Context, demand Demand) error {
	raw, err := demand.Properties.MarshalJSON()
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO market_demands (id, properties, constraints, node_id, creation_ts, expiration_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		demand.ID.String(), raw, demand.Constraints, demand.NodeID.String(),
		demand.CreationTS.UTC(), demand.ExpirationTS.UTC())
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apierr.New(apierr.KindAlreadyExists, "demand %s already exists", demand.ID)
	}
	return nil
}

func (d *PgDemandDAO) Get(ctx context.Context, id ids.SubscriptionID) (Demand, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, properties, constraints, node_id, creation_ts, expiration_ts, unsubscribed, unsubscribed_ts
		FROM market_demands WHERE id = $1`, id.String())

	demand, err := scanDemand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Demand{}, apierr.New(apierr.KindNotFound, "demand %s not found", id)
	}
	return demand, err
}

func (d *PgDemandDAO) MarkUnsubscribed(ctx context.Context, id ids.SubscriptionID, ts time.Time) error {
	return markUnsubscribed(ctx, d.db, "market_demands", "demand", id, ts)
}

func (d *PgDemandDAO) ListActive(ctx context.Context, now time.Time) ([]Demand, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, properties, constraints, node_id, creation_ts, expiration_ts, unsubscribed, unsubscribed_ts
		FROM market_demands WHERE NOT unsubscribed AND expiration_ts > $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var demands []Demand
	for rows.Next() {
		demand, err := scanDemand(rows)
		if err != nil {
			return nil, err
		}
		demands = append(demands, demand)
	}
	return demands, rows.Err()
}

func (d *PgDemandDAO) Clean(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	return clean(ctx, d.db, "market_demands", now, grace)
}

func markUnsubscribed(ctx context.Context, db *sql.DB, table, entity string, id ids.SubscriptionID, ts time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var unsubscribed bool
	err = tx.QueryRowContext(ctx,
		`SELECT unsubscribed FROM `+table+` WHERE id = $1 FOR UPDATE`, id.String()).Scan(&unsubscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return apierr.New(apierr.KindNotFound, "%s %s not found", entity, id)
	}
	if err != nil {
		return err
	}
	if unsubscribed {
		return apierr.New(apierr.KindUnsubscribed, "%s %s already unsubscribed", entity, id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET unsubscribed = TRUE, unsubscribed_ts = $2 WHERE id = $1`,
		id.String(), ts.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func clean(ctx context.Context, db *sql.DB, table string, now time.Time, grace time.Duration) (int, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM `+table+`
		WHERE (unsubscribed AND unsubscribed_ts < $1) OR expiration_ts < $2`,
		now.Add(-grace).UTC(), now.Add(-grace).UTC())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (Offer, error) {
	var (
		offer          Offer
		idStr, nodeStr string
		rawProps       []byte
		unsubTS        sql.NullTime
	)
	if err := row.Scan(&idStr, &rawProps, &offer.Constraints, &nodeStr,
		&offer.CreationTS, &offer.ExpirationTS, &offer.Unsubscribed, &unsubTS, &offer.Local); err != nil {
		return Offer{}, err
	}
	if err := fillOffer(&offer, idStr, nodeStr, rawProps, unsubTS); err != nil {
		return Offer{}, err
	}
	return offer, nil
}

func scanDemand(row rowScanner) (Demand, error) {
	var (
		demand         Demand
		idStr, nodeStr string
		rawProps       []byte
		unsubTS        sql.NullTime
	)
	if err := row.Scan(&idStr, &rawProps, &demand.Constraints, &nodeStr,
		&demand.CreationTS, &demand.ExpirationTS, &demand.Unsubscribed, &unsubTS); err != nil {
		return Demand{}, err
	}

	var err error
	if demand.ID, err = ids.ParseSubscriptionID(idStr); err != nil {
		return Demand{}, err
	}
	if demand.NodeID, err = types.ParseNodeID(nodeStr); err != nil {
		return Demand{}, err
	}
	if demand.Properties, err = props.FromExpanded(rawProps); err != nil {
		return Demand{}, err
	}
	if unsubTS.Valid {
		demand.UnsubscribedTS = unsubTS.Time
	}
	return demand, nil
}

func fillOffer(offer *Offer, idStr, nodeStr string, rawProps []byte, unsubTS sql.NullTime) error {
	var err error
	if offer.ID, err = ids.ParseSubscriptionID(idStr); err != nil {
		return err
	}
	if offer.NodeID, err = types.ParseNodeID(nodeStr); err != nil {
		return err
	}
	if offer.Properties, err = props.FromExpanded(rawProps); err != nil {
		return err
	}
	if unsubTS.Valid {
		offer.UnsubscribedTS = unsubTS.Time
	}
	return nil
}

var (
	_ OfferDAO  = (*PgOfferDAO)(nil)
	_ DemandDAO = (*PgDemandDAO)(nil)
)
