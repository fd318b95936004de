package conversion

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	return r.pool
}

const conversionCols = `id, message_control_id, message_type, status, error,
	resource_count, bundle, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.MessageControlID, &rec.MessageType, &rec.Status, &rec.Error,
		&rec.ResourceCount, &rec.Bundle, &rec.CreatedAt,
	)
	return &rec, err
}

func (r *RepoPG) Insert(ctx context.Context, rec *Record) error {
	q := fmt.Sprintf(`INSERT INTO conversion (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, conversionCols)
	_, err := r.conn(ctx).Exec(ctx, q,
		rec.ID, rec.MessageControlID, rec.MessageType, rec.Status, rec.Error,
		rec.ResourceCount, rec.Bundle, rec.CreatedAt,
	)
	return err
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	q := fmt.Sprintf("SELECT %s FROM conversion WHERE id = $1", conversionCols)
	return scanRecord(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Record, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if v, ok := params["status"]; ok {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["message-type"]; ok {
		where = append(where, fmt.Sprintf("message_type = $%d", idx))
		args = append(args, v)
		idx++
	}
	if v, ok := params["control-id"]; ok {
		where = append(where, fmt.Sprintf("message_control_id = $%d", idx))
		args = append(args, v)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM conversion %s", whereClause)
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM conversion %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		conversionCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
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
	return items, total, nil
}
