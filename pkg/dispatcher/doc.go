/*
Package dispatcher executes deployment jobs against their target hosts.

A job fans one collector operation (install, update-config, uninstall,
test-connectivity) out to a set of hosts. Jobs are submitted by id over a
channel and each gets its own worker goroutine; within a job, per-host work
runs under an errgroup whose limit scales with the target count:

	targets <= 10    5 concurrent hosts
	targets <= 100   20 concurrent hosts
	otherwise        50 concurrent hosts

# Routing

Each host is dispatched over one of two transports:

  - Push (agentless): the operation runs immediately over RemoteAdmin and
    FileTransfer. Install stages the collector binary and configuration in
    the remote working directory before invoking it; update-config reuses
    the host's known collector path when one was observed.
  - Agent: the operation is translated into a PendingCommand, queued for
    pickup on the host's next heartbeat, and awaited through a waiter
    registered before the enqueue. If no result arrives within the command
    timeout the host is marked failed, but the command row stays so a late
    agent result still resolves idempotently.

Job cancellation is re-read from the store before every host dispatch; hosts
already in flight run to completion and are recorded.

Per-host outcomes land in the job's result set, progress is published on the
event broker, and the job finalizes to Completed, CompletedWithErrors or
Cancelled when the last result is in.
*/
package dispatcher
