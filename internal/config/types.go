package config

import (
	"time"
)

// Category classifies a service within an environment. Application services
// form the app tier; every other category is infrastructure and is started
// first so its connection information exists before app services boot.
type Category string

const (
	CategoryService  Category = "service"
	CategoryDatabase Category = "database"
	CategoryCache    Category = "cache"
	CategoryBroker   Category = "broker"
	CategoryStorage  Category = "storage"
)

// IsInfrastructure reports whether services of this category belong to the
// infrastructure tier.
func (c Category) IsInfrastructure() bool {
	return c != CategoryService
}

// BackendMode selects the mechanism used to run a service.
type BackendMode string

const (
	BackendContainer    BackendMode = "container"
	BackendLocalProcess BackendMode = "local-process"
)

// Strategy is the database isolation technique used to give one worker a
// private view of a shared database.
type Strategy string

const (
	StrategySavepoint Strategy = "savepoint"
	StrategySchema    Strategy = "schema"
	StrategyDatabase  Strategy = "database"
	StrategySnapshot  Strategy = "snapshot"
)

// SeedTiming says when test data is loaded.
type SeedTiming string

const (
	SeedOnce    SeedTiming = "once"
	SeedPerFile SeedTiming = "per-file"
	SeedPerTest SeedTiming = "per-test"
)

// RestoreMode says how state is unloaded at the matching boundary.
type RestoreMode string

const (
	RestoreRollback RestoreMode = "rollback"
	RestoreReset    RestoreMode = "reset"
	RestoreNone     RestoreMode = "none"
)

// HealthProbe describes how readiness of a service is established. Exactly
// one of Path or Command is set: Path makes it an HTTP probe against the
// declared Port, Command makes it a shell probe where exit 0 means ready.
type HealthProbe struct {
	Path     string        `yaml:"path,omitempty" toml:"path"`
	Port     int           `yaml:"port,omitempty" toml:"port"`
	Command  []string      `yaml:"command,omitempty" toml:"command"`
	Timeout  time.Duration `yaml:"timeout,omitempty" toml:"timeout"`   // per attempt
	Attempts int           `yaml:"attempts,omitempty" toml:"attempts"` // max attempts
	Delay    time.Duration `yaml:"delay,omitempty" toml:"delay"`       // between attempts
}

// Credentials carries the login information an infrastructure service is
// provisioned with, fed into the connection resolver.
type Credentials struct {
	Username string `yaml:"username,omitempty" toml:"username"`
	Password string `yaml:"password,omitempty" toml:"password"`
	Database string `yaml:"database,omitempty" toml:"database"`
}

// ServiceSpec is the immutable definition of one service in an environment.
type ServiceSpec struct {
	Name      string      `yaml:"name" toml:"name"`
	Category  Category    `yaml:"category" toml:"category"`
	Mode      BackendMode `yaml:"mode" toml:"mode"`
	DependsOn []string    `yaml:"dependsOn,omitempty" toml:"dependsOn"`

	// Container image, for Mode = container.
	Image string `yaml:"image,omitempty" toml:"image"`

	// Command is the container command override, or the local process
	// command line, depending on Mode.
	Command []string `yaml:"command,omitempty" toml:"command"`

	// WorkDir is the working directory for a local process.
	WorkDir string `yaml:"workDir,omitempty" toml:"workDir"`

	Ports       []int             `yaml:"ports,omitempty" toml:"ports"`
	Env         map[string]string `yaml:"env,omitempty" toml:"env"`
	Credentials Credentials       `yaml:"credentials,omitempty" toml:"credentials"`

	// EnvMapping renames the environment variables derived from this
	// service's connection info: semantic key (host, port, username,
	// password, database, url) to the variable name dependents receive.
	// Unmapped keys default to <NAME>_<KEY>.
	EnvMapping map[string]string `yaml:"envMapping,omitempty" toml:"envMapping"`

	Probe *HealthProbe `yaml:"probe,omitempty" toml:"probe"`

	LogLevel string `yaml:"logLevel,omitempty" toml:"logLevel"`
}

// SeedSource is either an external command or a declarative SQL directory
// applied through the migration runner. Exactly one may be set.
type SeedSource struct {
	Command []string `yaml:"command,omitempty" toml:"command"`
	Dir     string   `yaml:"dir,omitempty" toml:"dir"`
}

// SeedingPolicy says when test data is seeded and how it is restored.
// Timing once never restores; per-file and per-test pair with Restore at
// the matching boundary.
type SeedingPolicy struct {
	Timing  SeedTiming  `yaml:"timing" toml:"timing"`
	Restore RestoreMode `yaml:"restore,omitempty" toml:"restore"`
	Source  SeedSource  `yaml:"source,omitempty" toml:"source"`
}

// DatabasePolicy binds an isolation strategy and a seeding policy to one
// database service.
type DatabasePolicy struct {
	Strategy Strategy      `yaml:"strategy" toml:"strategy"`
	Seeding  SeedingPolicy `yaml:"seeding,omitempty" toml:"seeding"`
}

// Settings holds environment-wide knobs.
type Settings struct {
	// DockerHost overrides the container runtime endpoint; empty means
	// environment defaults (DOCKER_HOST et al).
	DockerHost string `yaml:"dockerHost,omitempty" toml:"dockerHost"`

	// StatusDir is where discovery records for the status coordination
	// server are written. Empty means <os temp dir>/testenvctl.
	StatusDir string `yaml:"statusDir,omitempty" toml:"statusDir"`

	LogLevel string `yaml:"logLevel,omitempty" toml:"logLevel"`
}

// Environment is the top-level definition of one test environment: the
// service graph plus per-database isolation and seeding policy.
type Environment struct {
	Services  []ServiceSpec             `yaml:"services" toml:"services"`
	Databases map[string]DatabasePolicy `yaml:"databases,omitempty" toml:"databases"`
	Settings  Settings                  `yaml:"settings,omitempty" toml:"settings"`
}

// Service returns the spec with the given name.
func (e *Environment) Service(name string) (ServiceSpec, bool) {
	for _, s := range e.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// InfrastructureServices returns the specs of the infrastructure tier in
// declaration order.
func (e *Environment) InfrastructureServices() []ServiceSpec {
	var out []ServiceSpec
	for _, s := range e.Services {
		if s.Category.IsInfrastructure() {
			out = append(out, s)
		}
	}
	return out
}

// ApplicationServices returns the specs of the application tier in
// declaration order.
func (e *Environment) ApplicationServices() []ServiceSpec {
	var out []ServiceSpec
	for _, s := range e.Services {
		if !s.Category.IsInfrastructure() {
			out = append(out, s)
		}
	}
	return out
}
