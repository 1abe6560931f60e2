/*
Package expr evaluates workflow edge conditions in a sandbox.

The language is a restricted boolean/string predicate grammar over a typed
value bag: parent.<key>.exitCode|stdout|stderr|state and
workflow.context.<key>. Operators are comparison (== != < <= > >=), logic
(&& || !), parentheses, and the string methods includes, startsWith,
endsWith and matches.

Evaluation is deterministic and side-effect free: no I/O, no loops, no
external references. Any error (parse failure, unknown reference, type
mismatch, or exceeding the 100 ms budget) evaluates to false with a
warning logged, never a crash.
*/
package expr
