package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

const cartColumns = `
	id, state, uid, email, offering_config_id, interval, amount, currency,
	coupon_code, tax_country, tax_postal_code, stripe_customer_id,
	stripe_subscription_id, eligibility_status, error_reason_id, version,
	created_at, updated_at`

func (r *cartRepository) Create(cart domain.Cart) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var taxCountry, taxPostal sql.NullString
	if cart.TaxAddress != nil {
		taxCountry = sql.NullString{String: cart.TaxAddress.CountryCode, Valid: true}
		taxPostal = sql.NullString{String: cart.TaxAddress.PostalCode, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO carts (`+cartColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		cart.ID, string(cart.State), cart.UID, cart.Email, cart.OfferingConfigID,
		cart.Interval, cart.Amount, cart.Currency, cart.CouponCode,
		taxCountry, taxPostal, cart.StripeCustomerID, cart.StripeSubscriptionID,
		string(cart.EligibilityStatus), string(cart.ErrorReasonID), cart.Version,
		cart.CreatedAt, cart.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrCartVersionConflict
		}
		return fmt.Errorf("insert cart: %w", err)
	}

	return nil
}

func (r *cartRepository) Get(id string) (domain.Cart, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+cartColumns+`
		FROM carts
		WHERE id = $1
	`, id)

	cart, err := scanCart(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Cart{}, domain.ErrCartNotFound
		}
		return domain.Cart{}, fmt.Errorf("select cart: %w", err)
	}

	return cart, nil
}

func (r *cartRepository) ListByUID(uid string, limit int) ([]domain.Cart, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE uid = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", uid, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("list carts: %w", err)
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0)
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		carts = append(carts, cart)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart rows: %w", err)
	}

	return carts, nil
}

func (r *cartRepository) ListStaleProcessing(olderThan time.Time, limit int) ([]domain.Cart, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT ` + cartColumns + `
		FROM carts
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC, id ASC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $3", string(domain.CartStateProcessing), olderThan, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, string(domain.CartStateProcessing), olderThan)
	}
	if err != nil {
		return nil, fmt.Errorf("list stale processing carts: %w", err)
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0)
	for rows.Next() {
		cart, err := scanCart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart row: %w", err)
		}
		carts = append(carts, cart)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart rows: %w", err)
	}

	return carts, nil
}

func (r *cartRepository) Save(cart domain.Cart) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var taxCountry, taxPostal sql.NullString
	if cart.TaxAddress != nil {
		taxCountry = sql.NullString{String: cart.TaxAddress.CountryCode, Valid: true}
		taxPostal = sql.NullString{String: cart.TaxAddress.PostalCode, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE carts
		SET state = $1,
		    uid = $2,
		    email = $3,
		    amount = $4,
		    currency = $5,
		    coupon_code = $6,
		    tax_country = $7,
		    tax_postal_code = $8,
		    stripe_customer_id = $9,
		    stripe_subscription_id = $10,
		    eligibility_status = $11,
		    error_reason_id = $12,
		    version = version + 1,
		    updated_at = $13
		WHERE id = $14
		  AND version = $15
	`,
		string(cart.State), cart.UID, cart.Email, cart.Amount, cart.Currency,
		cart.CouponCode, taxCountry, taxPostal, cart.StripeCustomerID,
		cart.StripeSubscriptionID, string(cart.EligibilityStatus),
		string(cart.ErrorReasonID), cart.UpdatedAt,
		cart.ID, cart.Version,
	)
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.cartExists(ctx, cart.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrCartNotFound
		}
		return domain.ErrCartVersionConflict
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCart(row rowScanner) (domain.Cart, error) {
	var (
		cart                  domain.Cart
		state, elig, reason   string
		taxCountry, taxPostal sql.NullString
	)

	if err := row.Scan(
		&cart.ID, &state, &cart.UID, &cart.Email, &cart.OfferingConfigID,
		&cart.Interval, &cart.Amount, &cart.Currency, &cart.CouponCode,
		&taxCountry, &taxPostal, &cart.StripeCustomerID, &cart.StripeSubscriptionID,
		&elig, &reason, &cart.Version, &cart.CreatedAt, &cart.UpdatedAt,
	); err != nil {
		return domain.Cart{}, err
	}

	cart.State = domain.CartState(state)
	cart.EligibilityStatus = domain.EligibilityStatus(elig)
	cart.ErrorReasonID = domain.ErrorReason(reason)
	if taxCountry.Valid {
		cart.TaxAddress = &domain.TaxAddress{
			CountryCode: taxCountry.String,
			PostalCode:  taxPostal.String,
		}
	}

	return cart, nil
}

func (r *cartRepository) cartExists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM carts WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check cart exists: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.CartRepository = (*cartRepository)(nil)
