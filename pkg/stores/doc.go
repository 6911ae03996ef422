// Package stores provides persistence layer implementations for xfer.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// a record accessor the transfer engine reads and writes records through,
// and the history of transfers with their events.
package stores
