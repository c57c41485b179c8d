package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/procmon"
	"moviequeue/internal/services"
)

// Submit hands d to the worker on host and returns its acknowledgement. The
// worker refuses targets it is already processing with ErrAlreadyInProgress.
func (c *Client) Submit(ctx context.Context, host string, d job.Descriptor) (job.Ack, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return job.Ack{}, services.Wrap(services.ErrValidation, component, "encode job", d.ID, err)
	}
	out, runErr := c.Run(ctx, host, payload, "remote", "accept")

	var ack job.Ack
	if len(out) > 0 {
		if err := json.Unmarshal(out, &ack); err != nil && runErr == nil {
			return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "decode ack", host, err)
		}
	}
	if ack.ErrorKind != "" || ack.Error != "" {
		return ack, services.Wrap(markerForKind(ack.ErrorKind), component, "submit", fmt.Sprintf("%s: %s", host, ack.Error), nil)
	}
	if runErr != nil {
		return job.Ack{}, runErr
	}
	if ack.PID <= 0 {
		return job.Ack{}, services.Wrap(services.ErrRemoteSpawn, component, "submit", host+": worker did not report a pid", nil)
	}
	if ack.Host == "" {
		ack.Host = host
	}
	c.logger.Info("remote job accepted",
		logging.String(logging.FieldJobID, ack.ID),
		logging.String(logging.FieldHost, host),
		logging.Int("pid", int(ack.PID)),
	)
	return ack, nil
}

// Status fetches the latest status of job id from host.
func (c *Client) Status(ctx context.Context, host, id string) (job.Status, error) {
	out, err := c.Run(ctx, host, nil, "remote", "status", id)
	if err != nil {
		var st job.Status
		if len(out) > 0 && json.Unmarshal(out, &st) == nil && st.ErrorKind == "not_found" {
			return job.Status{}, services.Wrap(services.ErrNotFound, component, "status", id, nil)
		}
		return job.Status{}, err
	}
	var st job.Status
	if err := json.Unmarshal(out, &st); err != nil {
		return job.Status{}, services.Wrap(services.ErrRemoteSpawn, component, "decode status", host, err)
	}
	st.Host = host
	return st, nil
}

// ListProcesses returns recognized job processes on host.
func (c *Client) ListProcesses(ctx context.Context, host string) ([]procmon.ObservedProcess, error) {
	out, err := c.Run(ctx, host, nil, "procs", "--json")
	if err != nil {
		return nil, err
	}
	var procs []procmon.ObservedProcess
	if err := json.Unmarshal(out, &procs); err != nil {
		return nil, services.Wrap(services.ErrRemoteSpawn, component, "decode processes", host, err)
	}
	for i := range procs {
		procs[i].Host = host
	}
	return procs, nil
}

// RefusalAck builds the acknowledgement a worker prints when it rejects a job.
func RefusalAck(d job.Descriptor, host string, err error) job.Ack {
	return job.Ack{
		ID:        d.ID,
		Host:      host,
		State:     job.StateFailed,
		Error:     err.Error(),
		ErrorKind: services.Kind(err),
	}
}

func markerForKind(kind string) error {
	switch kind {
	case "already_in_progress":
		return services.ErrAlreadyInProgress
	case "validation":
		return services.ErrValidation
	case "capacity":
		return services.ErrCapacity
	default:
		return services.ErrRemoteSpawn
	}
}

// IsTransient reports whether err came from reaching the host rather than from
// the job itself.
func IsTransient(err error) bool {
	return errors.Is(err, services.ErrRemoteUnreachable)
}
