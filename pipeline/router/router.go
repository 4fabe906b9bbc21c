// Package router maps a triggering branch to the environment the run
// delivers to, along with everything downstream components need to
// address that environment: registry coordinates and the deployment
// file the gitops mutator rewrites.
package router

import (
	"path"

	"windlass.sh/core/pipeline/models"
)

type Router struct {
	registryHost string
	imageRepo    string
	deployDir    string
}

func New(registryHost, imageRepo, deployDir string) *Router {
	return &Router{
		registryHost: registryHost,
		imageRepo:    imageRepo,
		deployDir:    deployDir,
	}
}

// Resolve maps a branch name to an EnvironmentProfile. The mapping is
// total: branches outside the three known names resolve to EnvNone,
// which is a normal build-only outcome, not an error. Resolve is pure
// and must stay that way; it is called once per run and the profile is
// threaded explicitly from there.
func (r *Router) Resolve(branch string) models.EnvironmentProfile {
	var env models.Environment
	switch branch {
	case "dev":
		env = models.EnvDev
	case "stg":
		env = models.EnvStaging
	case "main":
		env = models.EnvProduction
	default:
		return models.EnvironmentProfile{Environment: models.EnvNone}
	}

	return models.EnvironmentProfile{
		Environment: env,
		Registry: models.RegistryCoordinates{
			Host:       r.registryHost,
			Repository: path.Join(r.imageRepo, string(env)),
		},
		DeployFilePath:   path.Join(r.deployDir, string(env)+".yaml"),
		RequiresApproval: env == models.EnvProduction,
	}
}
