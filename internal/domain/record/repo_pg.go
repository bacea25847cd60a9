package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oralhealth/intake/internal/domain/account"
	"github.com/oralhealth/intake/internal/platform/db"
)

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordFrom = `patient_record r JOIN account a ON a.id = r.patient_id`

const recordCols = `r.id, r.patient_id, r.login_id, r.upload_date_time, r.photos,
	r.hrv, r.hrv2, r.gsr, r.gsr2, r.pulse, r.recommend, r.check_list,
	r.created_at, r.updated_at,
	a.login_id, a.name_cn, a.name_en, a.age, a.month, COALESCE(a.email, ''), a.phone_number`

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_record (
			id, patient_id, login_id, upload_date_time, photos,
			hrv, hrv2, gsr, gsr2, pulse, recommend, check_list
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		rec.ID, rec.PatientID, rec.LoginID, rec.UploadDateTime, cols.photos,
		cols.hrv, cols.hrv2, cols.gsr, cols.gsr2, cols.pulse, rec.Recommend, cols.checkList,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM `+recordFrom+` WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *recordRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Record, int, error) {
	q := db.NewSelectQuery(recordFrom, recordCols)
	if f.LoginID != "" {
		q.AddEq("r.login_id", f.LoginID)
	}
	if f.PatientID != nil {
		q.AddEq("r.patient_id", *f.PatientID)
	}
	if f.Start != nil {
		q.Add(fmt.Sprintf("r.upload_date_time >= $%d", q.Idx()), *f.Start)
	}
	if f.End != nil {
		q.Add(fmt.Sprintf("r.upload_date_time <= $%d", q.Idx()), *f.End)
	}
	for col, on := range map[string]bool{
		"r.hrv": f.HasHRV, "r.hrv2": f.HasHRV2, "r.gsr": f.HasGSR, "r.gsr2": f.HasGSR2, "r.pulse": f.HasPulse,
	} {
		if on {
			q.AddNotNull(col)
		}
	}
	if f.HasRecommend {
		q.Add("COALESCE(r.recommend, '') <> ''")
	}
	if f.HasCheckList {
		q.Add("r.check_list IS NOT NULL AND r.check_list <> 'null'::jsonb")
	}
	q.OrderBy("r.upload_date_time DESC, r.created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(limit, offset), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	cols, err := encodeColumns(rec)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE patient_record SET
			upload_date_time = $2, photos = $3,
			hrv = $4, hrv2 = $5, gsr = $6, gsr2 = $7, pulse = $8,
			recommend = $9, check_list = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rec.ID, rec.UploadDateTime, cols.photos,
		cols.hrv, cols.hrv2, cols.gsr, cols.gsr2, cols.pulse,
		rec.Recommend, cols.checkList,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient_record WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) PhotoPathsByAccount(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT photos FROM patient_record WHERE patient_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p Photos
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode photos: %w", err)
		}
		paths = append(paths, p.Paths()...)
	}
	return paths, rows.Err()
}

type encodedColumns struct {
	photos, hrv, hrv2, gsr, gsr2, pulse, checkList []byte
}

func encodeColumns(rec *Record) (*encodedColumns, error) {
	var (
		out encodedColumns
		err error
	)
	if out.photos, err = json.Marshal(rec.Photos); err != nil {
		return nil, fmt.Errorf("encode photos: %w", err)
	}
	if out.hrv, err = encodeBlock(rec.HRV); err != nil {
		return nil, fmt.Errorf("encode HRV: %w", err)
	}
	if out.hrv2, err = encodeBlock(rec.HRV2); err != nil {
		return nil, fmt.Errorf("encode HRV2: %w", err)
	}
	if out.gsr, err = encodeBlock(rec.GSR); err != nil {
		return nil, fmt.Errorf("encode GSR: %w", err)
	}
	if out.gsr2, err = encodeBlock(rec.GSR2); err != nil {
		return nil, fmt.Errorf("encode GSR2: %w", err)
	}
	if out.pulse, err = encodeBlock(rec.Pulse); err != nil {
		return nil, fmt.Errorf("encode Pulse: %w", err)
	}
	if len(rec.CheckList) > 0 {
		out.checkList = rec.CheckList
	}
	return &out, nil
}

// encodeBlock returns nil for an absent block so that the column is NULL.
func encodeBlock[T any](m *Measurement[T]) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeBlock[T any](raw []byte) (*Measurement[T], error) {
	if len(raw) == 0 {
		return nil, nil
	}
	m := &Measurement[T]{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	if m.Data == nil && m.Raw == "" {
		return nil, nil
	}
	return m, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                                     Record
		patient                                 account.Summary
		photos, hrv, hrv2, gsr, gsr2, pulse, cl []byte
	)
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.LoginID, &rec.UploadDateTime, &photos,
		&hrv, &hrv2, &gsr, &gsr2, &pulse, &rec.Recommend, &cl,
		&rec.CreatedAt, &rec.UpdatedAt,
		&patient.LoginID, &patient.NameCN, &patient.NameEN, &patient.Age, &patient.Month,
		&patient.Email, &patient.PhoneNumber,
	)
	if err != nil {
		return nil, err
	}

	if len(photos) > 0 {
		if err := json.Unmarshal(photos, &rec.Photos); err != nil {
			return nil, fmt.Errorf("decode photos: %w", err)
		}
	}
	if rec.HRV, err = decodeBlock[HRV](hrv); err != nil {
		return nil, fmt.Errorf("decode HRV: %w", err)
	}
	if rec.HRV2, err = decodeBlock[HRV](hrv2); err != nil {
		return nil, fmt.Errorf("decode HRV2: %w", err)
	}
	if rec.GSR, err = decodeBlock[GSR](gsr); err != nil {
		return nil, fmt.Errorf("decode GSR: %w", err)
	}
	if rec.GSR2, err = decodeBlock[GSR](gsr2); err != nil {
		return nil, fmt.Errorf("decode GSR2: %w", err)
	}
	if rec.Pulse, err = decodeBlock[Pulse](pulse); err != nil {
		return nil, fmt.Errorf("decode Pulse: %w", err)
	}
	if len(cl) > 0 {
		rec.CheckList = json.RawMessage(cl)
	}

	patient.ID = rec.PatientID
	rec.Patient = &patient
	return &rec, nil
}
