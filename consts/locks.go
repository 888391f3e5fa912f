package consts

// MigrationAdvisoryLockID is a PostgreSQL advisory lock ID ensuring only one
// mailfold instance or admin tool runs schema migrations at a time.
const MigrationAdvisoryLockID = 58120467
