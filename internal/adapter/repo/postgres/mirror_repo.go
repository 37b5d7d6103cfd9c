package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// MirrorRepo keeps the local shadow of board content. Shape rows track
// mutations the pipeline applied upstream; tag rows track webhook events.
// The shadow is best-effort: a miss here never fails a task.
type MirrorRepo struct{ Pool PgxPool }

// NewMirrorRepo constructs a MirrorRepo with the given pool.
func NewMirrorRepo(p PgxPool) *MirrorRepo { return &MirrorRepo{Pool: p} }

// EnsureBoard creates the board row if absent.
func (r *MirrorRepo) EnsureBoard(ctx domain.Context, boardID string) error {
	const q = `INSERT INTO boards (id, created_at) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, boardID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=mirror.ensure_board: %w", err)
	}
	return nil
}

// UpsertShape stores the latest applied shape state.
func (r *MirrorRepo) UpsertShape(ctx domain.Context, s domain.ShapeRecord) error {
	tracer := otel.Tracer("repo.mirror")
	ctx, span := tracer.Start(ctx, "mirror.UpsertShape")
	defer span.End()
	data := s.Data
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	const q = `INSERT INTO shapes (id, board_id, data, created_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`
	if _, err := r.Pool.Exec(ctx, q, s.ID, s.BoardID, []byte(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=mirror.upsert_shape: %w", err)
	}
	return nil
}

// DeleteShape removes the mirrored shape. Deleting an absent row is a no-op.
func (r *MirrorRepo) DeleteShape(ctx domain.Context, boardID, shapeID string) error {
	if _, err := r.Pool.Exec(ctx, `DELETE FROM shapes WHERE id=$1 AND board_id=$2`, shapeID, boardID); err != nil {
		return fmt.Errorf("op=mirror.delete_shape: %w", err)
	}
	return nil
}

// ListShapes returns the mirrored shapes for a board.
func (r *MirrorRepo) ListShapes(ctx domain.Context, boardID string) ([]domain.ShapeRecord, error) {
	tracer := otel.Tracer("repo.mirror")
	ctx, span := tracer.Start(ctx, "mirror.ListShapes")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT id, board_id, data FROM shapes WHERE board_id=$1 ORDER BY id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("op=mirror.list_shapes: %w", err)
	}
	defer rows.Close()
	var out []domain.ShapeRecord
	for rows.Next() {
		var s domain.ShapeRecord
		var data []byte
		if err := rows.Scan(&s.ID, &s.BoardID, &data); err != nil {
			return nil, fmt.Errorf("op=mirror.list_shapes: %w", err)
		}
		s.Data = data
		out = append(out, s)
	}
	return out, rows.Err()
}

// AddTag records a tag on a board. Duplicate names are ignored.
func (r *MirrorRepo) AddTag(ctx domain.Context, boardID, name string) error {
	const q = `INSERT INTO tags (board_id, name) VALUES ($1,$2) ON CONFLICT (board_id, name) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, boardID, name); err != nil {
		return fmt.Errorf("op=mirror.add_tag: %w", err)
	}
	return nil
}

// RemoveTag deletes a tag from a board.
func (r *MirrorRepo) RemoveTag(ctx domain.Context, boardID, name string) error {
	if _, err := r.Pool.Exec(ctx, `DELETE FROM tags WHERE board_id=$1 AND name=$2`, boardID, name); err != nil {
		return fmt.Errorf("op=mirror.remove_tag: %w", err)
	}
	return nil
}

// ListTags returns the tag names recorded for a board.
func (r *MirrorRepo) ListTags(ctx domain.Context, boardID string) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `SELECT name FROM tags WHERE board_id=$1 ORDER BY name`, boardID)
	if err != nil {
		return nil, fmt.Errorf("op=mirror.list_tags: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("op=mirror.list_tags: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
