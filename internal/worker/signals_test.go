package worker

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalPolicyInterruptNeverKills(t *testing.T) {
	t.Parallel()
	p := newSignalPolicy()

	assert.False(t, p.shutdownRequested())
	for i := 1; i <= 3; i++ {
		kill := p.apply(syscall.SIGINT)
		assert.False(t, kill, "SIGINT #%d must not kill the in-flight task", i)
		assert.Equal(t, i, p.count(syscall.SIGINT))
	}
	assert.True(t, p.shutdownRequested())
}

func TestSignalPolicyTerminateAlwaysKills(t *testing.T) {
	t.Parallel()
	p := newSignalPolicy()

	assert.True(t, p.apply(syscall.SIGTERM))
	assert.True(t, p.apply(syscall.SIGTERM))
	assert.True(t, p.shutdownRequested())
}

func TestSignalPolicyQuitEscalatesOnSecond(t *testing.T) {
	t.Parallel()
	p := newSignalPolicy()

	assert.False(t, p.apply(syscall.SIGQUIT), "first SIGQUIT is graceful")
	assert.True(t, p.shutdownRequested())
	assert.True(t, p.apply(syscall.SIGQUIT), "second SIGQUIT kills")
	assert.True(t, p.apply(syscall.SIGQUIT), "later SIGQUITs keep killing")
	assert.Equal(t, 3, p.count(syscall.SIGQUIT))
}

func TestSignalPolicyCountersAreIndependent(t *testing.T) {
	t.Parallel()
	p := newSignalPolicy()

	p.apply(syscall.SIGINT)
	// One prior SIGINT does not promote the first SIGQUIT to a kill.
	assert.False(t, p.apply(syscall.SIGQUIT))
	assert.Equal(t, 1, p.count(syscall.SIGINT))
	assert.Equal(t, 1, p.count(syscall.SIGQUIT))
	assert.Equal(t, 0, p.count(syscall.SIGTERM))
}

func TestRequestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newSignalPolicy()

	p.requestShutdown()
	p.requestShutdown()
	assert.True(t, p.shutdownRequested())
	assert.Equal(t, 0, p.count(syscall.SIGINT), "requestShutdown counts no signal")
}
