//go:build !(linux && amd64)

package native

import (
	"github.com/sohook/sohook/pkg/proc"
)

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ string, _ LaunchFlags) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (p *Process) Continue() (proc.Status, error)   { return proc.Status{}, ErrNativeBackendDisabled }
func (p *Process) SingleStep() (proc.Status, error) { return proc.Status{}, ErrNativeBackendDisabled }
func (p *Process) Registers() (*proc.Registers, error) {
	return nil, ErrNativeBackendDisabled
}
func (p *Process) SetRegisters(*proc.Registers) error { return ErrNativeBackendDisabled }
func (p *Process) ReadMemory([]byte, uint64) (int, error) {
	return 0, ErrNativeBackendDisabled
}
func (p *Process) WriteMemory(uint64, []byte) (int, error) {
	return 0, ErrNativeBackendDisabled
}
func (p *Process) Kill() error   { return nil }
func (p *Process) Detach() error { return nil }
