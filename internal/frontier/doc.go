// Package frontier holds the durable bookkeeping backends behind
// graph.FrontierStore and the factory that picks one from configuration.
//
// Every backend keeps two tables keyed by (source, id): visits, updated on
// each visit, and the frontier of discovered but unvisited entities.
// Recording a visit removes the entity from the frontier in the same
// transaction.
package frontier
