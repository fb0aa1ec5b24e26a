// Package testdb provides utilities for database integration tests.
//
// Tests that need PostgreSQL call GetTestDBWithT, which skips the test when
// DATABASE_URL is not set, and run their work inside WithTx so every change
// is rolled back when the test finishes:
//
//	func TestTaskStore_Integration(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        s := postgres.NewTaskStore(tx)
//	        ...
//	    })
//	}
//
// The schema is created once per process with the embedded goose
// migrations.
package testdb
