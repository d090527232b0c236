//go:build unix

package pipeline

import (
	"os"
	"syscall"
)

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func processAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}
