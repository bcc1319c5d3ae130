// Package database wraps the relational database collaborator: logical
// dump, drop/create and restore, always through the engine's native dump
// format rather than raw file copies.
package database
