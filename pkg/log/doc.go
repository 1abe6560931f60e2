/*
Package log provides the process-wide structured logger.

The logger is the only long-lived process-wide object; components receive a
child logger through WithComponent and attach entity fields (node_id, task_id,
workflow_id) where relevant. Output is a console writer by default and JSON
when configured for machine collection.
*/
package log
