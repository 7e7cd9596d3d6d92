// Package sinks holds the progress.Sink implementations used by the harvester.
package sinks
