// Package lock provides short-lived distributed mutexes used to run singleton
// tasks such as the run watchdog on exactly one instance at a time.
//
// Every backend implements TryAcquireLock(key, ttl) as a conditional "set if
// absent or expired" primitive. A false result is not an error; it means
// another holder owns the key and the caller should skip its turn. Locks are
// never renewed: they expire after ttl or are released by their holder.
package lock
