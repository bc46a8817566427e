// Package cache defines the disk-backed asset store held by the interception
// worker. Entries live at StoragePath/<archive>/<path> and are written with
// temp file + rename, so a reader never observes a partial asset. The store
// is purged as a whole whenever the delivery mode changes or caching is
// switched off.
package cache
