// Command moviequeue manages the transcode queue and runs jobs from the shell.
//
// Queue commands (add, rm, list, status) work directly on the SQLite queue.
// Job commands (transcode, remcom, subtitle, cleanup) run a dispatcher in
// this process; transcode waits for the job unless --async is given, in
// which case a detached supervisor finishes it. The hidden remote command
// group is the worker side of SSH dispatch.
package main
