/*
Package storage provides BoltDB-backed state persistence for the control plane.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for hosts, collector
configurations, deployment jobs and their per-host results, the agent command
queue, scheduled deployments, noise analysis runs, and the audit log. All rows
are serialized as JSON and stored in separate buckets.

# Buckets

	hosts              host rows, keyed by 8-byte big-endian id
	configs            collector configuration rows
	jobs               deployment job rows
	results            per-host results, keyed jobID|hostID (16 bytes)
	commands           agent command queue rows
	schedules          scheduled deployment rows
	noise_runs         noise analysis run rows
	noise_results      grouped noise patterns, filtered by run id
	audit              append-only audit entries
	meta               schema version and other bookkeeping

	idx_host_hostname  lowercased hostname -> host id (uniqueness)
	idx_host_agent     agent id -> host id
	idx_cmd_command    command id -> queue row id

# Domain transactions

Multi-row state transitions are exposed as single Store methods and executed
inside one bolt transaction each, so concurrent HTTP handlers, the dispatcher,
and the schedule engine never observe partial state:

  - RegisterOrUpdateAgent: adopt-by-hostname or create, token issuance
  - ProcessHeartbeat: observed-state refresh plus FIFO claim of unsent commands
  - CompleteCommand: idempotent result recording plus job finalization
  - StartDeployment: job row plus one pending result per target
  - PromoteSchedule: schedule -> job promotion with target resolution

Because bolt serializes writers, a result arriving via the agent transport and
a dispatcher timeout for the same command resolve to a single winner.
*/
package storage
