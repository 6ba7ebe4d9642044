package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xraph/tether"
	"github.com/xraph/tether/id"
)

// JobFactory builds the remote job definition for one submission. The
// executor depends only on this interface; the two concrete variants
// cover shell-command jobs and template-based jobs.
type JobFactory interface {
	CreateJob(ctx context.Context, name, command string, args map[string]string) (id.JobID, error)
}

// Compile-time interface checks.
var (
	_ JobFactory = (*CommandFactory)(nil)
	_ JobFactory = (*TemplateFactory)(nil)
)

// defaultResources applies when a command factory is created without
// explicit resource requirements.
var defaultResources = tether.Resources{CPU: 1024, MemoryMB: 1024}

// FactoryOption configures a factory.
type FactoryOption func(*factoryConfig)

type factoryConfig struct {
	hidden    bool
	resources tether.Resources
	arguments map[string]string
}

// WithVisible creates jobs without the hidden flag. Jobs are hidden by
// default so bulk submissions do not clutter remote listings.
func WithVisible() FactoryOption {
	return func(c *factoryConfig) { c.hidden = false }
}

// WithResources sets the resources requested for each run.
func WithResources(r tether.Resources) FactoryOption {
	return func(c *factoryConfig) { c.resources = r }
}

// WithArguments sets default arguments merged under each submission's
// own arguments.
func WithArguments(args map[string]string) FactoryOption {
	return func(c *factoryConfig) { c.arguments = args }
}

func newFactoryConfig(opts []FactoryOption) factoryConfig {
	c := factoryConfig{hidden: true, resources: defaultResources}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// mergeArgs overlays submission arguments on factory defaults.
func (c factoryConfig) mergeArgs(args map[string]string) map[string]string {
	if len(c.arguments) == 0 && len(args) == 0 {
		return nil
	}
	merged := make(map[string]string, len(c.arguments)+len(args))
	for k, v := range c.arguments {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

// CommandFactory creates jobs that run a shell command.
type CommandFactory struct {
	svc tether.RunService
	cfg factoryConfig
}

// NewCommandFactory creates a factory for shell-command jobs.
func NewCommandFactory(svc tether.RunService, opts ...FactoryOption) *CommandFactory {
	return &CommandFactory{svc: svc, cfg: newFactoryConfig(opts)}
}

// CreateJob implements JobFactory.
func (f *CommandFactory) CreateJob(ctx context.Context, name, command string, args map[string]string) (id.JobID, error) {
	if command == "" {
		return id.Nil, fmt.Errorf("executor: command job %q needs a command", name)
	}
	return f.svc.CreateJob(ctx, tether.JobDefinition{
		Name:      name,
		Hidden:    f.cfg.hidden,
		Command:   command,
		Resources: f.cfg.resources,
		Arguments: f.cfg.mergeArgs(args),
	})
}

// TemplateFactory creates jobs instantiated from a remote template.
// Submissions vary only in their arguments.
type TemplateFactory struct {
	svc        tether.RunService
	templateID string
	cfg        factoryConfig
}

// NewTemplateFactory creates a factory for template-based jobs.
func NewTemplateFactory(svc tether.RunService, templateID string, opts ...FactoryOption) *TemplateFactory {
	return &TemplateFactory{svc: svc, templateID: templateID, cfg: newFactoryConfig(opts)}
}

// CreateJob implements JobFactory. The command is ignored; the template
// defines what runs.
func (f *TemplateFactory) CreateJob(ctx context.Context, name, _ string, args map[string]string) (id.JobID, error) {
	return f.svc.CreateJob(ctx, tether.JobDefinition{
		Name:       name,
		Hidden:     f.cfg.hidden,
		TemplateID: f.templateID,
		Arguments:  f.cfg.mergeArgs(args),
	})
}

// CommandLine joins a program, its positional arguments, and its named
// flags (in sorted order, for stable commands) into one shell command.
//
//	CommandLine("./myprogram", []string{"5", "6"}, map[string]string{"wibble": "7"})
//
// returns "./myprogram 5 6 --wibble 7".
func CommandLine(program string, args []string, flags map[string]string) string {
	parts := append([]string{program}, args...)

	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "--"+k, flags[k])
	}

	return strings.Join(parts, " ")
}
