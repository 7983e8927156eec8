// Package orchestrator is the surface over the workflow and the scheduler.
//
// The orchestrator package provides functionality for:
//   - Objective lifecycle: creating objectives and running their workflows,
//     in the background or synchronously
//   - Control: pause, resume, cancel and unit retry, delivered to a running
//     scheduler loop or written directly when none is running
//   - Events: one buffered channel fed by every objective run
//   - Signals: control files dropped by other processes
//
// Example usage:
//
//	m, err := orchestrator.NewManager(orchestrator.Deps{
//		Store:       db,
//		Executor:    router,
//		Decomposer:  decompose.New(client, 2),
//		Synthesizer: agent.NewSynthesizer(client),
//	})
//	obj, err := m.CreateObjective(ctx, "solid state batteries", orchestrator.CreateOptions{})
//	st, err := m.RunSync(ctx, obj.ID)
package orchestrator
