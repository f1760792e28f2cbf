package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while the
// binary store schema is migrated, so that concurrent engines do not race.
const MigrationAdvisoryLockID = 51743092
