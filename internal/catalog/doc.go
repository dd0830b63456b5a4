// Package catalog persists the photo library state in SQLite and exposes
// helpers for driving its lifecycle.
//
// The Store manages database connections, schema initialization, import
// sessions, image and face rows, the person registry, and the append-only
// audit log. Image commits are atomic: the image row, its face rows, its
// metadata entries, and the session counter all land in one transaction so a
// crash can never leave a half-catalogued photo behind.
//
// Schema changes bump the version in schema.go; an existing database with a
// different version is refused at open rather than migrated.
//
// Treat this package as the single source of truth for catalog semantics;
// when you add new columns or tables, update schema.sql and bump
// schemaVersion.
package catalog
