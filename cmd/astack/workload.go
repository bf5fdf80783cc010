package main

import (
	"github.com/getsentry/astack/internal/simvm"
	"github.com/getsentry/astack/internal/vm"
)

// startWorkload populates the simulated runtime with a workload shaped like
// a small server application, so a connection to the dump port shows
// something worth reading.
func startWorkload(rt *simvm.Runtime) {
	object := rt.AddClass("Ljava/lang/Object;", "Object.java")
	wait := object.AddMethod("wait", nil)

	unsafe := rt.AddClass("Ljdk/internal/misc/Unsafe;", "Unsafe.java")
	park := unsafe.AddMethod("park", nil)

	thread := rt.AddClass("Ljava/lang/Thread;", "Thread.java")
	sleep := thread.AddMethod("sleep", nil)
	threadRun := thread.AddMethod("run", []vm.LineEntry{{Start: 0, Line: 829}, {Start: 4, Line: 832}, {Start: 11, Line: 835}})

	main := rt.AddClass("Lcom/example/billing/Main;", "Main.java")
	mainRun := main.AddMethod("main", []vm.LineEntry{{Start: 0, Line: 12}, {Start: 18, Line: 24}, {Start: 40, Line: 31}})
	awaitWork := main.AddMethod("awaitWork", []vm.LineEntry{{Start: 0, Line: 88}, {Start: 6, Line: 91}})

	worker := rt.AddClass("Lcom/example/billing/Worker;", "Worker.java")
	poll := worker.AddMethod("poll", []vm.LineEntry{{Start: 0, Line: 45}, {Start: 9, Line: 52}, {Start: 30, Line: 60}})

	rt.StartThread(simvm.ThreadConfig{
		Name:     "main",
		Priority: 5,
		State:    vm.StateAlive | vm.StateWaitingIndefinitely | vm.StateInObjectWait,
		Stack: []vm.Frame{
			{Location: -1, Method: wait},
			{Location: 8, Method: awaitWork},
			{Location: 22, Method: mainRun},
		},
	})
	rt.StartThread(simvm.ThreadConfig{
		Name:     "worker-parked",
		Daemon:   true,
		Priority: 5,
		State:    vm.StateAlive | vm.StateWaitingIndefinitely | vm.StateParked,
		Stack: []vm.Frame{
			{Location: -1, Method: park},
			{Location: 12, Method: poll},
			{Location: 6, Method: threadRun},
		},
	})
	rt.StartThread(simvm.ThreadConfig{
		Name:     "worker-sleeping",
		Daemon:   true,
		Priority: 4,
		State:    vm.StateAlive | vm.StateWaitingWithTimeout | vm.StateSleeping,
		Stack: []vm.Frame{
			{Location: -1, Method: sleep},
			{Location: 35, Method: poll},
			{Location: 6, Method: threadRun},
		},
	})
	rt.StartThread(simvm.ThreadConfig{
		Name:     "worker-busy",
		Daemon:   true,
		Priority: 5,
		State:    vm.StateAlive | vm.StateRunnable,
		Stack: []vm.Frame{
			{Location: 20, Method: poll},
			{Location: 6, Method: threadRun},
		},
	})
}
