package incident

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/wheelcore/internal/httputil"
)

// Backup writes a consistent copy of the database to path, which must not
// exist.
func (s *Store) Backup(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to back up incident database: %w", err)
	}
	return nil
}

// AttachAdminRoutes mounts a tailsql query console over the incident
// database and a gzipped backup download under /debug/ on mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://incidents.db", s.db, &tailsql.DBOptions{
		Label: "Incident DB",
	})
	debug.Handle("tailsql/", "SQL console for recorded incidents", tsql.NewMux())

	debug.Handle("wheel-incidents-backup", "Download a backup of the incident database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		dir, err := os.MkdirTemp("", "wheelcore-backup-")
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		defer os.RemoveAll(dir)

		name := fmt.Sprintf("incidents-%d.db", time.Now().Unix())
		path := filepath.Join(dir, name)
		if err := s.Backup(r.Context(), path); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		f, err := os.Open(path)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		zw := gzip.NewWriter(w)
		if _, err := io.Copy(zw, f); err != nil {
			diagf("backup copy failed: %v", err)
			return
		}
		if err := zw.Close(); err != nil {
			diagf("backup gzip close failed: %v", err)
		}
	}))
	return nil
}
