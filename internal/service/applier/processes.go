package applier

import (
	"context"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-ps"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// terminateReplacedProcesses kills processes whose executable name matches
// a file about to be installed. Overwriting a running binary fails on
// Windows and leaves a half-updated process on Linux, so they go first.
func (a *runner) terminateReplacedProcesses(ctx context.Context, files []string) error {
	replaced := make(map[string]struct{}, len(files))
	for _, rel := range files {
		replaced[filepath.Base(rel)] = struct{}{}
	}

	processList, err := ps.Processes()
	if err != nil {
		return err
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		processID := process.Pid()
		if processID == thisProcessID {
			continue
		}

		if _, found := replaced[process.Executable()]; !found {
			continue
		}

		runningProcess, findErr := os.FindProcess(processID)
		if findErr != nil {
			return findErr
		}

		if killErr := runningProcess.Kill(); killErr != nil {
			return killErr
		}

		logger.InfoKV(ctx, "Stopped process before replacing its executable",
			"pid", processID, "executable", process.Executable())
	}

	return nil
}
