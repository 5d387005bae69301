package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/databroker/internal/document"
)

// ShiftOptions controls ShiftRoot.
type ShiftOptions struct {
	// Move renames the resource's files to the new root before the
	// registry is updated.
	Move bool
}

// ResourceUpdate is one recorded root change.
type ResourceUpdate struct {
	Resource string    `json:"resource"`
	OldRoot  string    `json:"old_root"`
	NewRoot  string    `json:"new_root"`
	Time     time.Time `json:"time"`
}

type move struct {
	from, to string
}

// ShiftRoot changes the root of a resource and records the change. With
// opts.Move the files are renamed first; if a rename fails the files
// already moved are put back and the registry is left unchanged.
func (r *Registry) ShiftRoot(ctx context.Context, resourceUID, newRoot string, opts ShiftOptions) (document.Document, error) {
	res, err := r.Resource(ctx, resourceUID)
	if err != nil {
		return nil, err
	}
	oldRoot := res.String("root")
	if oldRoot == newRoot {
		return res, nil
	}

	var moved []move
	if opts.Move {
		if oldRoot == "" {
			return nil, fmt.Errorf("resource %s has no root to move files from", resourceUID)
		}
		if moved, err = r.moveFiles(ctx, res, newRoot); err != nil {
			return nil, err
		}
	}

	updated := res.Clone()
	updated["root"] = newRoot
	fp, err := document.Fingerprint(document.KindResource, updated)
	if err != nil {
		rollback(moved)
		return nil, err
	}
	body, err := json.Marshal(updated)
	if err != nil {
		rollback(moved)
		return nil, fmt.Errorf("encode resource %s: %w", resourceUID, err)
	}

	now := r.now()
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE resources SET root = ?, fingerprint = ?, doc = ? WHERE uid = ?
		`, newRoot, fp, string(body), resourceUID); err != nil {
			return fmt.Errorf("update resource %s: %w", resourceUID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_updates (resource, old_root, new_root, time) VALUES (?, ?, ?, ?)
		`, resourceUID, oldRoot, newRoot, document.Timestamp(now)); err != nil {
			return fmt.Errorf("record update of %s: %w", resourceUID, err)
		}
		return nil
	})
	if err != nil {
		rollback(moved)
		return nil, err
	}

	r.mu.Lock()
	delete(r.handlers, resourceUID)
	r.generation++
	r.mu.Unlock()

	r.logger.Info().
		Str("resource", resourceUID).
		Str("old_root", oldRoot).
		Str("new_root", newRoot).
		Int("files_moved", len(moved)).
		Msg("resource root shifted")
	return updated, nil
}

// moveFiles renames every file of res from under its current root to the
// same relative location under newRoot.
func (r *Registry) moveFiles(ctx context.Context, res document.Document, newRoot string) ([]move, error) {
	files, err := r.FileList(ctx, res.UID())
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	oldBase := r.mapRootLocked(res.String("root"))
	newBase := r.mapRootLocked(newRoot)
	r.mu.RUnlock()
	if oldBase, err = filepath.Abs(oldBase); err != nil {
		return nil, err
	}
	if newBase, err = filepath.Abs(newBase); err != nil {
		return nil, err
	}

	moved := make([]move, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, from := range files {
		if seen[from] {
			continue
		}
		seen[from] = true
		rel, err := filepath.Rel(oldBase, from)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			rollback(moved)
			return nil, fmt.Errorf("file %s is not under root %s", from, oldBase)
		}
		to := filepath.Join(newBase, rel)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			rollback(moved)
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(to), err)
		}
		if _, err := os.Stat(to); err == nil {
			rollback(moved)
			return nil, fmt.Errorf("move %s: destination %s already exists", from, to)
		}
		if err := os.Rename(from, to); err != nil {
			rollback(moved)
			return nil, fmt.Errorf("move %s: %w", from, err)
		}
		moved = append(moved, move{from: from, to: to})
	}
	return moved, nil
}

// rollback undoes renames in reverse order.
func rollback(moved []move) {
	for i := len(moved) - 1; i >= 0; i-- {
		_ = os.Rename(moved[i].to, moved[i].from)
	}
}

// ResourceHistory returns the root changes of a resource, oldest first.
func (r *Registry) ResourceHistory(ctx context.Context, resourceUID string) ([]ResourceUpdate, error) {
	if _, err := r.Resource(ctx, resourceUID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT old_root, new_root, time FROM resource_updates WHERE resource = ? ORDER BY id ASC
	`, resourceUID)
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", resourceUID, err)
	}
	defer rows.Close()

	updates := make([]ResourceUpdate, 0)
	for rows.Next() {
		u := ResourceUpdate{Resource: resourceUID}
		var ts float64
		if err := rows.Scan(&u.OldRoot, &u.NewRoot, &ts); err != nil {
			return nil, fmt.Errorf("scan history of %s: %w", resourceUID, err)
		}
		u.Time = document.FromTimestamp(ts, time.UTC)
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history of %s: %w", resourceUID, err)
	}
	return updates, nil
}
