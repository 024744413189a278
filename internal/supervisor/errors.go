package supervisor

import "errors"

var (
	// ErrUnknownServer is returned for names that are not configured.
	ErrUnknownServer = errors.New("unknown server")
	// ErrSpawnFailed is returned when a server could not be launched or did
	// not pass the readiness check. The entry is left stopped.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrUnkillable is returned when a process survived the kill signal.
	ErrUnkillable = errors.New("process did not terminate")
	// ErrNotRunning is returned by Touch for servers that are not running.
	ErrNotRunning = errors.New("server not running")
	// ErrShuttingDown rejects starts once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor shutting down")
)
