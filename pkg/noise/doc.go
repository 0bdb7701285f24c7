/*
Package noise analyzes sampled collector events to find high-volume patterns
worth excluding from the collector configuration.

A run samples up to 10000 events from one host over a bounded time range
(at most 168 hours), groups them by a per-event-kind key (for example
image|destinationPort for network connections, or the parent directory for
file-create events), and scores each group by its hourly rate against a
threshold that depends on the host's inferred role:

	DomainController  highest thresholds (chatty by nature)
	Server            middle
	Workstation       lowest

The score is a piecewise function of rate/threshold into [0,1]; groups at or
above 0.5 are Noisy and at or above 0.7 VeryNoisy. For every group above the
suggestion threshold the package synthesizes an XML exclusion snippet, and
BuildPack assembles a run's suggestions into a single RuleGroup document
ready to merge into a configuration. CommonPatterns surfaces groups that are
noisy on more than half of the analyzed hosts.
*/
package noise
