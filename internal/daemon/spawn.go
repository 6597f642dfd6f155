package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// IgnoreInterruptFlag is appended to the child command line so the spawned
// daemon leaves Ctrl+C handling to the launching shell's owner.
const IgnoreInterruptFlag = "--ignore-interrupt"

// Start launches the daemon executable as an independent background process
// and returns immediately: the parent exits, it is not a supervisor. The
// child gets the passed-through arguments plus its own configuration path
// and the ignore-interrupt flag. In dummy mode the would-be command is
// logged and nothing is spawned.
func (d *Daemon) Start(passthrough []string) error {
	args := append(append([]string{}, passthrough...), "--json", d.cfg.Path, IgnoreInterruptFlag)

	if d.cfg.Dummy {
		d.logger.Infof("dummy: would start %s %s", d.cfg.ExecPath, strings.Join(args, " "))
		return nil
	}

	cmd := exec.Command(d.cfg.ExecPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		d.countError(err)
		return fmt.Errorf("start %s: %w", d.cfg.ExecPath, err)
	}
	d.logger.Infof("started %s, pid %d", d.cfg.ExecPath, cmd.Process.Pid)

	// detach: the child outlives us and is never waited on
	return cmd.Process.Release()
}
