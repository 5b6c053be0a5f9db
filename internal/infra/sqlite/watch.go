package sqlite

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SetPollInterval sets how often Watch rescans when no file events arrive.
func (db *DB) SetPollInterval(d time.Duration) {
	if d > 0 {
		db.pollInterval = d
	}
}

// Watch implements domain.ChangeFeed. It watches the database directory for
// writes by any process and emits the accounts whose version moved since the
// previous scan. A poll ticker covers filesystems without inotify support.
func (db *DB) Watch(ctx context.Context) (<-chan string, error) {
	since, err := db.maxVersion(ctx)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(db.path)); err != nil {
		fw.Close()
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer fw.Close()

		ticker := time.NewTicker(db.pollInterval)
		defer ticker.Stop()

		base := filepath.Base(db.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Printf("[sqlite] watch error: %v", err)
				continue
			case <-ticker.C:
			}

			since = db.emitChanges(ctx, since, out)
		}
	}()
	return out, nil
}

func (db *DB) maxVersion(ctx context.Context) (int64, error) {
	var v int64
	err := db.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM balances`).Scan(&v)
	if err != nil {
		return 0, unavailable(err)
	}
	return v, nil
}

// emitChanges sends every account changed after since and returns the new mark.
func (db *DB) emitChanges(ctx context.Context, since int64, out chan<- string) int64 {
	rows, err := db.db.QueryContext(ctx, `
		SELECT account_id, version FROM balances WHERE version > ? ORDER BY version
	`, since)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[sqlite] scan changes: %v", err)
		}
		return since
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			v  int64
		)
		if err := rows.Scan(&id, &v); err != nil {
			log.Printf("[sqlite] scan changes: %v", err)
			return since
		}
		select {
		case out <- id:
		case <-ctx.Done():
			return since
		}
		since = v
	}
	return since
}
