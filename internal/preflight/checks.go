package preflight

import (
	"os/exec"

	"github.com/go-logr/logr"

	"github.com/peterje/dbgmcp/internal/flavor"
	"github.com/peterje/dbgmcp/internal/models"
)

// CheckAll looks up every flavor's program on PATH and logs what is missing.
// Missing debuggers are not fatal: their tools fail at start with a spawn
// error.
func CheckAll(log logr.Logger, flavors flavor.Set) []models.FlavorStatus {
	statuses := Check(flavors)
	for _, st := range statuses {
		if !st.Installed {
			log.Info("debugger not installed; its sessions will fail to start", "flavor", st.Name, "program", st.Program)
		} else {
			log.V(1).Info("debugger found", "flavor", st.Name, "path", st.Path)
		}
	}
	return statuses
}

// Check reports each flavor's availability without logging.
func Check(flavors flavor.Set) []models.FlavorStatus {
	sorted := flavors.Sorted()
	statuses := make([]models.FlavorStatus, 0, len(sorted))
	for _, f := range sorted {
		statuses = append(statuses, checkFlavor(f))
	}
	return statuses
}

func checkFlavor(f flavor.Flavor) models.FlavorStatus {
	st := models.FlavorStatus{
		Name:        f.Name,
		Description: f.Description,
		Program:     f.Program,
		CanLoad:     f.CanLoad(),
		CanWait:     f.CanWait(),
	}
	path, err := exec.LookPath(f.Program)
	if err != nil {
		return st
	}
	st.Installed = true
	st.Path = path
	return st
}
