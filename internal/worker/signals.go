package worker

import (
	"os"
	"sync"
	"syscall"
)

// TerminationSignals are the signals the supervisor reacts to. The task
// process ignores all of them; it either finishes or is killed outright.
var TerminationSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// signalPolicy tracks termination signals and decides how each one escalates.
// Every signal requests a graceful stop; some additionally demand that the
// in-flight task process be killed:
//
//   - SIGINT: graceful only, however often it arrives.
//   - SIGTERM: kill the in-flight task immediately.
//   - SIGQUIT: graceful on the first occurrence, kill on the second and later.
//
// It is mutated from the signal-watching goroutine and read from the main
// loop, so all access goes through the mutex.
type signalPolicy struct {
	mu       sync.Mutex
	counts   map[os.Signal]int
	shutdown bool
}

func newSignalPolicy() *signalPolicy {
	return &signalPolicy{counts: make(map[os.Signal]int)}
}

// apply records sig, requests shutdown, and reports whether the in-flight
// task process must be killed.
func (p *signalPolicy) apply(sig os.Signal) (kill bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[sig]++
	p.shutdown = true
	switch sig {
	case syscall.SIGTERM:
		return true
	case syscall.SIGQUIT:
		return p.counts[sig] > 1
	default:
		return false
	}
}

// requestShutdown asks the loop to stop after the current task. It only ever
// flips shutdown from false to true.
func (p *signalPolicy) requestShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
}

// shutdownRequested reports whether a stop has been requested.
func (p *signalPolicy) shutdownRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// count returns how often sig has been received.
func (p *signalPolicy) count(sig os.Signal) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[sig]
}
