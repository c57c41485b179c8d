// Package job holds the types shared by the dispatcher, the remote runner and
// the HTTP API: job kinds and states, the typed job descriptor sent to
// workers, status snapshots, and the JSON status file written next to each job
// log.
package job
