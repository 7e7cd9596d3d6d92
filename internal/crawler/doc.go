// Package crawler holds the domain types shared by the harvesting services:
// tasks, questions, queue statistics, fleet instances and the collaborator
// interfaces the queue, worker, scaler and health server are wired through.
package crawler
