// Package remote runs moviequeue subcommands on worker hosts over SSH.
//
// A job is handed to a worker by piping its JSON descriptor into
// `moviequeue remote accept`; the worker launches a detached supervisor that
// runs the job and records progress in a status file, which
// `moviequeue remote status <id>` reads back. Connection failures surface as
// ErrRemoteUnreachable, rejected keys and unknown host keys as ErrRemoteAuth,
// and failed remote commands as ErrRemoteSpawn. Nothing is retried here.
package remote
