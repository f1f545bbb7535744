//go:build !windows

package dprocess

import "syscall"

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func attachedAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
