package mds

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/testutil"
)

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, name := range []string{"memory", "sqlite", "badger"} {
		t.Run(name, func(t *testing.T) {
			s, err := Open(ctx, config.MDSConfig{Backend: name, Version: 1, Config: config.MDSSettings{Directory: filepath.Join(dir, name)}})
			require.NoError(t, err)
			require.NoError(t, s.Close())
		})
	}
	assert.Subset(t, Backends(), []string{"badger", "memory", "sqlite"})
}

func TestOpenRejectsUnknownBackendAndVersion(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, config.MDSConfig{Backend: "mongo", Version: 1})
	assert.ErrorContains(t, err, `unknown metadatastore backend "mongo"`)
	assert.ErrorContains(t, err, "memory")

	_, err = Open(ctx, config.MDSConfig{Backend: "memory", Version: 3})
	var verr *config.VersionError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 3, verr.Requested)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mds.sqlite")
	run := testutil.NewBuilder("r", 1000).Run(1, 2)

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, run.Insert(ctx, s))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	starts, err := s.Find(ctx, document.KindStart, query.All{})
	require.NoError(t, err)
	assert.Equal(t, []string{run.Start.UID()}, uids(starts))

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestSQLiteRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mds.sqlite")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenSQLite(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version 99 is newer")
	assert.Contains(t, err.Error(), "upgrade databroker")
}

func TestSQLiteMigratesV1Database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mds.sqlite")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	var name string
	err = s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_events_descriptor_time'`).Scan(&name)
	require.NoError(t, err)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "badger")
	run := testutil.NewBuilder("r", 1000).Run(1, 2)

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, run.Insert(ctx, s))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()

	events, err := Events(ctx, s, run.Descriptors[0].UID())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	assert.NoError(t, run.Insert(ctx, s), "re-inserting after reopen is a no-op")
}
