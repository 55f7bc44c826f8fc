// Package naming derives deterministic stack, resource and artifact bucket names
// from a project and an environment.
//
// Every name stackpilot creates is a pure function of the identity, so a rerun
// after a crash finds the same stack and the same bucket series without any
// persisted pointer:
//
//	id, _ := naming.NewIdentity("fraud-or-not", "production")
//	id.Name          // "fon-prd-stack"
//	id.BucketName(7) // "fon-prd-artifacts-000-007"
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// StackSuffix is appended to the prefix to form the stack name.
	StackSuffix = "stack"

	// BucketPurpose is the resource segment of artifact bucket names.
	BucketPurpose = "artifacts"

	// MaxBucketIndex is the largest index a bucket name can encode.
	MaxBucketIndex = 999999

	// maxBucketNameLength is the provider limit on bucket names.
	maxBucketNameLength = 63
)

var (
	resourcePattern = regexp.MustCompile(`^[a-z0-9-]+$`)
	codePattern     = regexp.MustCompile(`^[a-z0-9]{3}$`)
	indexPattern    = regexp.MustCompile(`^[0-9]{3}-[0-9]{3}$`)
)

// DefaultProjectCodes maps known project names to their three-letter codes.
var DefaultProjectCodes = map[string]string{
	"fraud-or-not":   "fon",
	"people-cards":   "pec",
	"media-register": "mer",
}

// DefaultEnvironmentCodes maps environment names and aliases to their codes.
var DefaultEnvironmentCodes = map[string]string{
	"development": "dev",
	"dev":         "dev",
	"staging":     "stg",
	"stage":       "stg",
	"stg":         "stg",
	"production":  "prd",
	"prod":        "prd",
	"prd":         "prd",
}

// Identity is the deterministic identity of one stack.
// It is unique per (project, environment).
type Identity struct {
	// Project is the project name as configured.
	Project string `json:"project"`

	// Environment is the environment name as configured.
	Environment string `json:"environment"`

	// ProjectCode is the three-letter project code.
	ProjectCode string `json:"project_code"`

	// EnvironmentCode is the three-letter environment code.
	EnvironmentCode string `json:"environment_code"`

	// Name is the stack name.
	Name string `json:"name"`
}

// Namer resolves project and environment codes. The zero value uses the defaults.
type Namer struct {
	projectCodes map[string]string
}

// NewNamer creates a namer with additional project codes layered over the defaults.
func NewNamer(overrides map[string]string) (*Namer, error) {
	codes := make(map[string]string, len(DefaultProjectCodes)+len(overrides))
	for k, v := range DefaultProjectCodes {
		codes[k] = v
	}
	for k, v := range overrides {
		v = strings.ToLower(strings.TrimSpace(v))
		if !codePattern.MatchString(v) {
			return nil, fmt.Errorf("invalid project code %q for %q: must be three lowercase alphanumerics", v, k)
		}
		codes[strings.ToLower(k)] = v
	}
	return &Namer{projectCodes: codes}, nil
}

// ProjectCode returns the three-letter code for a project.
func (n *Namer) ProjectCode(project string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(project))
	if p == "" {
		return "", fmt.Errorf("project name is required")
	}
	codes := DefaultProjectCodes
	if n != nil && n.projectCodes != nil {
		codes = n.projectCodes
	}
	if code, ok := codes[p]; ok {
		return code, nil
	}
	return fallbackCode(p)
}

// EnvironmentCode returns the three-letter code for an environment.
func EnvironmentCode(environment string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(environment))
	if e == "" {
		return "", fmt.Errorf("environment name is required")
	}
	if code, ok := DefaultEnvironmentCodes[e]; ok {
		return code, nil
	}
	return fallbackCode(e)
}

func fallbackCode(name string) (string, error) {
	compact := strings.ReplaceAll(name, "-", "")
	if len(compact) < 3 {
		return "", fmt.Errorf("cannot derive a three-letter code from %q", name)
	}
	code := compact[:3]
	if !codePattern.MatchString(code) {
		return "", fmt.Errorf("cannot derive a three-letter code from %q", name)
	}
	return code, nil
}

// Identity builds the identity for a project and environment.
func (n *Namer) Identity(project, environment string) (Identity, error) {
	pc, err := n.ProjectCode(project)
	if err != nil {
		return Identity{}, err
	}
	ec, err := EnvironmentCode(environment)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Project:         project,
		Environment:     environment,
		ProjectCode:     pc,
		EnvironmentCode: ec,
		Name:            pc + "-" + ec + "-" + StackSuffix,
	}, nil
}

// NewIdentity builds an identity using the default project codes.
func NewIdentity(project, environment string) (Identity, error) {
	var n *Namer
	return n.Identity(project, environment)
}

// Prefix returns "{proj}-{env}".
func (id Identity) Prefix() string {
	return id.ProjectCode + "-" + id.EnvironmentCode
}

// Key returns the lock and journal key for the identity.
func (id Identity) Key() string {
	return id.ProjectCode + "/" + id.EnvironmentCode
}

// IsProduction reports whether the identity targets the production environment.
func (id Identity) IsProduction() bool {
	return id.EnvironmentCode == "prd"
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return id.Name
}

// ResourceName returns "{proj}-{env}-{resource}".
func (id Identity) ResourceName(resource string) (string, error) {
	return FormatResourceName(id.ProjectCode, id.EnvironmentCode, resource)
}

// FormatResourceName joins codes and a resource segment into a resource name.
func FormatResourceName(projectCode, environmentCode, resource string) (string, error) {
	if err := ValidateResource(resource); err != nil {
		return "", err
	}
	return projectCode + "-" + environmentCode + "-" + resource, nil
}

// ValidateResource checks a resource segment against ^[a-z0-9-]+$.
func ValidateResource(resource string) error {
	if !resourcePattern.MatchString(resource) {
		return fmt.Errorf("invalid resource name %q: must match %s", resource, resourcePattern.String())
	}
	return nil
}

// ParseResourceName splits "{proj}-{env}-{resource}" into its parts.
func ParseResourceName(name string) (projectCode, environmentCode, resource string, err error) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 || len(parts[0]) != 3 || len(parts[1]) != 3 || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid resource name format: %s", name)
	}
	if err := ValidateResource(parts[2]); err != nil {
		return "", "", "", err
	}
	return parts[0], parts[1], parts[2], nil
}

// BucketPrefix returns the common prefix of every artifact bucket of the identity.
func (id Identity) BucketPrefix() string {
	return id.Prefix() + "-" + BucketPurpose + "-"
}

// BucketName returns the artifact bucket name for an index.
// The index is encoded as two zero-padded groups: thousands and remainder.
func (id Identity) BucketName(index int) (string, error) {
	if index < 0 || index > MaxBucketIndex {
		return "", fmt.Errorf("bucket index %d out of range [0, %d]", index, MaxBucketIndex)
	}
	name := fmt.Sprintf("%s%03d-%03d", id.BucketPrefix(), index/1000, index%1000)
	if len(name) > maxBucketNameLength {
		return "", fmt.Errorf("bucket name %q exceeds %d characters", name, maxBucketNameLength)
	}
	return name, nil
}

// ParseBucketIndex returns the index encoded in a bucket name belonging to the identity.
func (id Identity) ParseBucketIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, id.BucketPrefix())
	if !ok {
		return 0, false
	}
	if !indexPattern.MatchString(rest) {
		return 0, false
	}
	thousands, number, _ := strings.Cut(rest, "-")
	t, err := strconv.Atoi(thousands)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(number)
	if err != nil {
		return 0, false
	}
	return t*1000 + n, true
}
