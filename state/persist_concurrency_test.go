package state

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"testing"
)

// nopDriver implements just enough of database/sql/driver for Save to walk
// its full serialization path without a real database.
type nopDriver struct{}

func (nopDriver) Open(string) (driver.Conn, error) { return nopConn{}, nil }

type nopConn struct{}

func (nopConn) Prepare(string) (driver.Stmt, error) { return nopStmt{}, nil }
func (nopConn) Close() error                        { return nil }
func (nopConn) Begin() (driver.Tx, error)           { return nopTx{}, nil }

type nopStmt struct{}

func (nopStmt) Close() error                                    { return nil }
func (nopStmt) NumInput() int                                   { return -1 }
func (nopStmt) Exec([]driver.Value) (driver.Result, error)      { return driver.RowsAffected(0), nil }
func (nopStmt) Query([]driver.Value) (driver.Rows, error)       { return nopRows{}, nil }

type nopRows struct{}

func (nopRows) Columns() []string         { return nil }
func (nopRows) Close() error              { return nil }
func (nopRows) Next([]driver.Value) error { return io.EOF }

type nopTx struct{}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

var registerNopDriver sync.Once

func openNopDB(t *testing.T) *sql.DB {
	t.Helper()
	registerNopDriver.Do(func() { sql.Register("statenop", nopDriver{}) })
	database, err := sql.Open("statenop", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// Saving must work from a copy: a poll cycle keeps bumping stats counters
// while an admin mutation or the retention job flushes state from another
// goroutine.
func TestSaveConcurrentWithRecordDelivery(t *testing.T) {
	store := New(openNopDB(t))
	store.UpsertChannel("g1", ChannelConfig{BroadcasterID: "b1", Login: "alpha", ClipChannelID: "c1", Enabled: true})
	store.SetFilter("g1", FilterConfig{MinViews: 1, KeywordsExclude: []string{"spoiler"}})
	store.MarkDelivered("g1", "b1", "seed")
	store.RecordDelivery("g1", "Alpha", "clipper")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			store.RecordDelivery("g1", fmt.Sprintf("streamer-%d", i%7), fmt.Sprintf("creator-%d", i%11))
			store.MarkDelivered("g1", "b1", fmt.Sprintf("clip-%d", i))
		}
	}()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		if err := store.Save(ctx); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}
