package keystore

import (
	"context"
	"log/slog"
	"os"
	"testing"

	pgtesting "github.com/malbeclabs/incentives/utils/pkg/postgres/testing"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = pgtesting.NewDB(ctx, log, nil)
	if err != nil {
		log.Warn("failed to start PostgreSQL container, postgres tests will be skipped", "error", err)
		testDB = nil
	}

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}
