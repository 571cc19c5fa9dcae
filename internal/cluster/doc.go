// Package cluster connects cache engines on different nodes.
//
// It provides gossip-based membership, the startup join protocol,
// best-effort write replication, partition detection, and the
// post-partition reconciler. Replication offers no delivery guarantee;
// join and heal are the catch-up mechanisms that restore convergence.
package cluster
