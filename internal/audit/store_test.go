package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// downConn simulates a database that accepts connections but fails every
// statement, like Postgres going away after startup.
type downConn struct{}

func (downConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("connection refused") }
func (downConn) Close() error                        { return nil }
func (downConn) Begin() (driver.Tx, error)           { return nil, errors.New("connection refused") }

type downConnector struct{}

func (downConnector) Connect(context.Context) (driver.Conn, error) { return downConn{}, nil }
func (downConnector) Driver() driver.Driver                        { return downDriver{} }

type downDriver struct{}

func (downDriver) Open(string) (driver.Conn, error) { return downConn{}, nil }

func TestStore_LogsWriteFailure(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sql.OpenDB(downConnector{})}), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("unexpected error opening gorm: %v", err)
	}

	core, logs := observer.New(zapcore.ErrorLevel)
	s := &Store{db: db, logger: zap.New(core)}

	s.Log(Event{ID: "ev-1", Action: "blocked"})

	if logs.FilterMessage("failed to persist audit event").Len() != 1 {
		t.Fatalf("write failure must be logged, got %d entries", logs.Len())
	}
}

func TestOpenStore_InvalidDSN(t *testing.T) {
	if _, err := OpenStore("host=127.0.0.1 port=1 connect_timeout=1", zap.NewNop()); err == nil {
		t.Fatal("expected error for unreachable database")
	}
}
