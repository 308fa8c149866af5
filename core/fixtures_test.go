package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	// every fixture gets its own in-memory database
	file := fmt.Sprintf("%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := NewSQLiteDB(file, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}
