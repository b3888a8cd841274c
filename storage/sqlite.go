package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // bundled SQLite build
)

// sqliteRegistrySchema tables holding the registrations of every cohort
const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS local_registration (
	cohort TEXT NOT NULL PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS remote_registration (
	cohort TEXT NOT NULL,
	metadata_collection_id TEXT NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (cohort, metadata_collection_id)
);
`

// sqliteRegistryStore RegistryStore persisted in a SQLite database
type sqliteRegistryStore struct {
	common.Component
	cohortName string
	db         *sql.DB
}

// GetSQLiteRegistryStore define a new SQLite backed registry store.
//
// The database and its tables are created if absent. Use ":memory:" for a
// throw-away database.
func GetSQLiteRegistryStore(
	ctxt context.Context, cohortName, dbPath string,
) (RegistryStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-registry-store", "instance": cohortName,
	}
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite registry store requires a database path")
	}
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open %s", dbPath)
		return nil, err
	}
	// SQLite supports one writer; a single connection also keeps ":memory:" shared
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctxt, sqliteRegistrySchema); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to prepare schema in %s", dbPath)
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Infof("Registry store backed by %s", dbPath)
	return &sqliteRegistryStore{
		Component:  common.Component{LogTags: logTags},
		cohortName: cohortName,
		db:         db,
	}, nil
}

// readOne read a single registration row, nil if there is none
func (s *sqliteRegistryStore) readOne(
	ctxt context.Context, query string, args ...interface{},
) (*common.MemberRegistration, error) {
	var registration common.MemberRegistration
	err := s.db.QueryRowContext(ctxt, query, args...).Scan(&registration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Registration query failed")
		return nil, err
	}
	return &registration, nil
}

func (s *sqliteRegistryStore) RetrieveLocalRegistration(
	ctxt context.Context,
) (*common.MemberRegistration, error) {
	return s.readOne(
		ctxt, "SELECT record FROM local_registration WHERE cohort = ?", s.cohortName,
	)
}

func (s *sqliteRegistryStore) SaveLocalRegistration(
	ctxt context.Context, registration *common.MemberRegistration,
) error {
	if registration == nil {
		return nil
	}
	_, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO local_registration (cohort, record) VALUES (?, ?)
		ON CONFLICT(cohort) DO UPDATE SET record = excluded.record`,
		s.cohortName, *registration,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to save local registration")
	}
	return err
}

func (s *sqliteRegistryStore) RetrieveRemoteRegistration(
	ctxt context.Context, metadataCollectionID string,
) (*common.MemberRegistration, error) {
	return s.readOne(
		ctxt,
		`SELECT record FROM remote_registration
		WHERE cohort = ? AND metadata_collection_id = ?`,
		s.cohortName, metadataCollectionID,
	)
}

func (s *sqliteRegistryStore) RetrieveRemoteRegistrations(
	ctxt context.Context,
) ([]common.MemberRegistration, error) {
	rows, err := s.db.QueryContext(
		ctxt,
		`SELECT record FROM remote_registration
		WHERE cohort = ? ORDER BY metadata_collection_id`,
		s.cohortName,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list remote registrations")
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	result := []common.MemberRegistration{}
	for rows.Next() {
		var registration common.MemberRegistration
		if err := rows.Scan(&registration); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to parse remote registration")
			return nil, err
		}
		result = append(result, registration)
	}
	return result, rows.Err()
}

func (s *sqliteRegistryStore) SaveRemoteRegistration(
	ctxt context.Context, registration common.MemberRegistration,
) error {
	if err := checkRemoteRegistration(registration); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO remote_registration (cohort, metadata_collection_id, record)
		VALUES (?, ?, ?)
		ON CONFLICT(cohort, metadata_collection_id) DO UPDATE SET record = excluded.record`,
		s.cohortName, registration.MetadataCollectionID, registration,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to save remote registration %s", registration.MetadataCollectionID,
		)
	}
	return err
}

func (s *sqliteRegistryStore) RemoveRemoteRegistration(
	ctxt context.Context, metadataCollectionID string,
) error {
	_, err := s.db.ExecContext(
		ctxt,
		"DELETE FROM remote_registration WHERE cohort = ? AND metadata_collection_id = ?",
		s.cohortName, metadataCollectionID,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to remove remote registration %s", metadataCollectionID,
		)
	}
	return err
}

func (s *sqliteRegistryStore) RemoveLocalRegistration(ctxt context.Context) error {
	_, err := s.db.ExecContext(
		ctxt, "DELETE FROM local_registration WHERE cohort = ?", s.cohortName,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to remove local registration")
	}
	return err
}

func (s *sqliteRegistryStore) ClearAllRegistrations(ctxt context.Context) error {
	tx, err := s.db.BeginTx(ctxt, nil)
	if err != nil {
		return err
	}
	defer func() {
		// No-op once committed
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(
		ctxt, "DELETE FROM local_registration WHERE cohort = ?", s.cohortName,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(
		ctxt, "DELETE FROM remote_registration WHERE cohort = ?", s.cohortName,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to clear registrations")
		return err
	}
	log.WithFields(s.LogTags).Info("Cleared all registrations")
	return nil
}

func (s *sqliteRegistryStore) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close database")
		return err
	}
	return nil
}
