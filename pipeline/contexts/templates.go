package contexts

// Roles a stage can run under. Each maps to a predeclared template:
// which image the steps run in, what gets mounted, and which
// credential role (if any) is leased for the context's lifetime.
const (
	RoleAnalysis      = "analysis"
	RoleBuild         = "build"
	RoleScan          = "scan"
	RolePublish       = "publish"
	RoleSourceControl = "source-control"
	RoleIdentity      = "identity"
)

type Template struct {
	Role string

	// Image is the tool image the role's steps run in.
	Image string

	// CredentialRole names the broker role to lease for this context;
	// empty means the context runs without credentials.
	CredentialRole string

	Env map[string]string

	// Limits; zero means the daemon default.
	NanoCPUs int64
	MemoryMB int64
}

// DefaultTemplates covers every role the pipeline uses. Publish,
// source-control and identity get credentials; the rest run without.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		RoleAnalysis: {
			Role:     RoleAnalysis,
			Image:    "python:3.12",
			MemoryMB: 1024,
		},
		RoleBuild: {
			Role:  RoleBuild,
			Image: "gcr.io/kaniko-project/executor:debug",
			// kaniko wants room for layer caches
			MemoryMB: 2048,
		},
		RoleScan: {
			Role:     RoleScan,
			Image:    "aquasec/trivy:latest",
			MemoryMB: 1024,
		},
		RolePublish: {
			Role: RolePublish,
			// the :debug variant carries a shell, like kaniko's above
			Image:          "gcr.io/go-containerregistry/crane:debug",
			CredentialRole: RolePublish,
		},
		RoleSourceControl: {
			Role:           RoleSourceControl,
			Image:          "alpine/git:latest",
			CredentialRole: RoleSourceControl,
		},
		RoleIdentity: {
			Role:           RoleIdentity,
			Image:          "alpine:latest",
			CredentialRole: RoleIdentity,
		},
	}
}
