// Package strategy defines how a backend is picked among the candidates
// registered for one routing key:
//
//   - Random: uniform random selection (the default)
//   - Round Robin: sequential distribution across backends
//   - Least Connections: routes to the backend with fewest relayed connections
//
// A strategy only runs on first contact; repeated connections from the same
// client are answered from the routing history.
package strategy
