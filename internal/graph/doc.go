// Package graph defines the entity, frontier and visit types shared by the
// crawl engine, together with the storage, artifact and publishing
// interfaces the engine depends on.
package graph
