package supervisor

import "syscall"

// setpgidAttr puts a spawned subprocess in its own process group so
// Stop can signal it and any children it spawns together.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group rooted at pid, ignoring the
// error when the group has already exited.
func signalGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
