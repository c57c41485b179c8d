// Package procmon reads process tables to find running encoder and subtitle
// extraction jobs and the file each one is working on.
//
// Local tables are read through gopsutil; remote hosts are reached through a
// RemoteLister supplied by the caller. Results are never cached: the process
// table is the evidence the dispatcher reconciles its registry against.
package procmon
