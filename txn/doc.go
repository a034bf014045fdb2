// Package txn provides the transactional task runtime underpinning the
// service container: transactions issued by a TransactionController, a DAG
// of tasks with execute, validate, commit and revert phases, and
// transaction-wide prepare/commit/abort/restart semantics.
//
// Tasks run concurrently on a caller-supplied Executor. The only ordering
// guarantees are the declared task dependencies and parent/child
// containment: a task enters EXECUTE once all its predecessors have
// terminated and its parent has entered EXECUTE, and a parent is not
// considered executed until all its children have terminated. On abort,
// every executed task is reverted exactly once in reverse topological
// order; cancelled tasks are skipped. On commit, commit hooks run exactly
// once in topological order.
//
// Failures inside task executables are not errors from the runtime's
// perspective: they are recorded in the transaction's ProblemReport, and a
// problem at SeverityError or above prevents the transaction from
// committing.
package txn
