// Package engine provides concrete engines served by a worker and the
// explicit registry the worker binary uses to choose one by name.
// Engines track their run state (init, running, done, failed) and publish
// every change to an optional event broker.
package engine
