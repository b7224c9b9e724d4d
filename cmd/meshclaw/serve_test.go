package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roelfdiedericks/meshclaw/internal/config"
)

type fakeRunner struct {
	targets []string
}

func (f *fakeRunner) SetTarget(target string) { f.targets = append(f.targets, target) }

type fakeSession struct {
	alive      bool
	target     string
	restarts   int
	restartErr error
}

func (f *fakeSession) SetTarget(target string) { f.target = target }
func (f *fakeSession) IsAlive() bool           { return f.alive }
func (f *fakeSession) Restart() error {
	f.restarts++
	return f.restartErr
}

func configWithTarget(target string) *config.Config {
	cfg := config.Default()
	cfg.Device.Target = target
	return cfg
}

func TestConfigApplierRetargetsRunnerAndSession(t *testing.T) {
	runner := &fakeRunner{}
	session := &fakeSession{alive: true, target: "/dev/ttyUSB0"}
	applier := newConfigApplier(&Globals{LogLevel: "info"}, "/dev/ttyUSB0", runner, session)

	applier.apply(configWithTarget("/dev/ttyUSB0"))
	assert.Empty(t, runner.targets, "unchanged target must not touch the runner")
	assert.Zero(t, session.restarts)

	applier.apply(configWithTarget("/dev/ttyACM0"))
	assert.Equal(t, []string{"/dev/ttyACM0"}, runner.targets)
	assert.Equal(t, "/dev/ttyACM0", session.target)
	assert.Equal(t, 1, session.restarts)

	// Reapplying the same file is a no-op
	applier.apply(configWithTarget("/dev/ttyACM0"))
	assert.Equal(t, 1, session.restarts)
}

func TestConfigApplierLeavesDeadSessionToSupervisor(t *testing.T) {
	runner := &fakeRunner{}
	session := &fakeSession{restartErr: errors.New("must not be called")}
	applier := newConfigApplier(&Globals{LogLevel: "info"}, "", runner, session)

	applier.apply(configWithTarget("/dev/ttyACM0"))
	assert.Equal(t, []string{"/dev/ttyACM0"}, runner.targets)
	assert.Equal(t, "/dev/ttyACM0", session.target)
	assert.Zero(t, session.restarts)
}
