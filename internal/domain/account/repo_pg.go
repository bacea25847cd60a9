package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oralhealth/intake/internal/platform/db"
)

const uniqueViolation = "23505"

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &accountRepoPG{pool: pool}
}

func (r *accountRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const accountCols = `id, login_id, password_hash, name_cn, name_en, age, month,
	COALESCE(email, ''), phone_number, status, role, created_at, updated_at`

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO account (
			id, login_id, password_hash, name_cn, name_en, age, month,
			email, phone_number, status, role
		) VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.LoginID, a.PasswordHash, a.NameCN, a.NameEN, a.Age, a.Month,
		a.Email, a.PhoneNumber, a.Status, a.Role,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.getOne(ctx, `SELECT `+accountCols+` FROM account WHERE id = $1`, id)
}

func (r *accountRepoPG) GetByLoginID(ctx context.Context, loginID string) (*Account, error) {
	return r.getOne(ctx, `SELECT `+accountCols+` FROM account WHERE login_id = $1`, loginID)
}

func (r *accountRepoPG) Resolve(ctx context.Context, ref string) (*Account, error) {
	return r.getOne(ctx, `SELECT `+accountCols+` FROM account
		WHERE id::text = $1 OR login_id = $1
		ORDER BY (id::text = $1) DESC
		LIMIT 1`, ref)
}

func (r *accountRepoPG) getOne(ctx context.Context, sql string, arg interface{}) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *accountRepoPG) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM account WHERE lower(email) = lower($1))`, email,
	).Scan(&exists)
	return exists, err
}

func (r *accountRepoPG) Update(ctx context.Context, a *Account) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		var previous string
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT login_id FROM account WHERE id = $1 FOR UPDATE`, a.ID,
		).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		err = r.conn(ctx).QueryRow(ctx, `
			UPDATE account SET
				login_id = $2, password_hash = $3, name_cn = $4, name_en = $5,
				age = $6, month = $7, email = NULLIF($8,''), phone_number = $9,
				status = $10, role = $11, updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at`,
			a.ID, a.LoginID, a.PasswordHash, a.NameCN, a.NameEN,
			a.Age, a.Month, a.Email, a.PhoneNumber, a.Status, a.Role,
		).Scan(&a.UpdatedAt)
		if err != nil {
			return mapWriteError(err)
		}

		if previous != a.LoginID {
			if _, err := r.conn(ctx).Exec(ctx,
				`UPDATE patient_record SET login_id = $2, updated_at = NOW() WHERE patient_id = $1`,
				a.ID, a.LoginID,
			); err != nil {
				return fmt.Errorf("carry login id to records: %w", err)
			}
		}
		return nil
	})
}

func (r *accountRepoPG) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM account WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepoPG) List(ctx context.Context, limit, offset int) ([]*Account, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM account`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+accountCols+` FROM account ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.LoginID, &a.PasswordHash, &a.NameCN, &a.NameEN, &a.Age, &a.Month,
		&a.Email, &a.PhoneNumber, &a.Status, &a.Role, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// mapWriteError turns unique violations into ErrConflict naming the field.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	field := "loginid"
	if pgErr.ConstraintName == "idx_account_email" {
		field = "Email"
	}
	return fmt.Errorf("%s %w", field, ErrConflict)
}
