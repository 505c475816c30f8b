//go:build !unix

package alert

import "os/exec"

func setProcessGroup(*exec.Cmd) {}
