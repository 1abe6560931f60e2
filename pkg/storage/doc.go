/*
Package storage persists replicated cluster state in BoltDB.

Buckets hold nodes, tasks, workflows, dependency edges and task events; all
records are stored as JSON keyed by identifier. Dependency edges and task
events use compound keys (workflow/task/parent, task/seq) so prefix cursor
scans return ordered sets without secondary indexes.

The state machine's apply path is the only writer of the replicated buckets.
A separate plugins bucket provides node-local storage namespaced per plugin;
it is not replicated and survives snapshot restores.
*/
package storage
