// Package txnsvc provides a transactional modular service container: a
// coordinator that brings user-defined services up and down along a
// dependency graph, where every mutation is staged inside a transaction
// that can be prepared, committed or rolled back as a whole.
//
// Services are installed through a ServiceBuilder obtained from a
// ServiceContext bound to an update transaction:
//
//	tc := txn.NewTransactionController()
//	registry := txnsvc.NewRegistry(tc, "main")
//	tc.CreateUpdate(txn.GoExecutor{}, func(t *txn.Transaction) {
//		ctx, _ := txnsvc.NewServiceContext(t)
//		builder, _ := ctx.AddService(registry, txnsvc.ParseServiceName("db"))
//		builder.SetService(&dbService{})
//		builder.SetMode(txnsvc.ModeActive)
//		_, _ = builder.Install()
//		_ = tc.Prepare(t, func(t *txn.Transaction) {
//			_ = tc.Commit(t, nil)
//		})
//	})
//
// Each installed service is driven by a per-controller state machine whose
// inputs are the service mode (active, lazy, on-demand), the number of
// unsatisfied dependencies, the demand count, and the service and registry
// enable bits. State transitions submit start, stop and remove task graphs
// onto the transactional task runtime in package txn; task completion calls
// back into the state machine until it converges.
package txnsvc
