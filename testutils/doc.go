// Package testutils provides helpers shared by the integration tests.
//
// Tests that need PostgreSQL call SetupTestDatabase, which skips the test
// unless SIEVE_TEST_DB_HOST is set:
//
//	func TestScripts(t *testing.T) {
//		database := testutils.SetupTestDatabase(t)
//		// database is migrated and its tables are empty
//	}
package testutils
