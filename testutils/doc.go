// Package testutils provides shared helpers for integration tests.
//
// Key components:
//   - SetupTestDatabase: connects to the PostgreSQL instance described by
//     config-test.toml and applies the schema
//   - MemoryArchive: an in-process archive store double with error injection
//
// Example usage:
//
//	import "github.com/mailfold/mailfold/testutils"
//
//	func TestRetention(t *testing.T) {
//		tdb := testutils.SetupTestDatabase(t)
//		defer tdb.Cleanup(t)
//		// ...
//	}
package testutils
