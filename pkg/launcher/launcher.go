// Package launcher builds the per-container launch descriptor handed to node
// managers: localized files, environment, the worker command line and
// security tokens.
package launcher

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/skylift/roost/pkg/clusterfs"
	"github.com/skylift/roost/pkg/config"
	"github.com/skylift/roost/pkg/credentials"
	"github.com/skylift/roost/pkg/log"
	"github.com/skylift/roost/pkg/types"
)

// Directory names under the application work directory holding the files
// localized into every container, the worker command-line flag names, and the
// default log-dir expansion variable.
const (
	libJarsDirName        = "lib"
	containerWorkDirName  = "container"
	appJarsDirName        = "jars"
	appFilesDirName       = "files"
	applicationNameFlag   = "application-name"
	helixInstanceNameFlag = "helix-instance-name"
	logDirExpansionVar    = "<LOG_DIR>"
)

// LocalResource is a single file to localize into the container before the
// worker starts.
type LocalResource struct {
	URI  string `json:"uri"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Context is the launch descriptor for one container.
type Context struct {
	Resources map[string]LocalResource `json:"resources"`
	Env       map[string]string        `json:"env"`
	Commands  []string                 `json:"commands"`
	Tokens    *credentials.Blob        `json:"tokens,omitempty"`
}

// Builder builds launch contexts. It is safe for concurrent use by the
// launch pool.
type Builder struct {
	cfg    *config.Config
	fs     clusterfs.FileSystem
	tokens *credentials.Blob
	log    zerolog.Logger
}

// NewBuilder creates a builder. tokens may be nil when security is disabled.
func NewBuilder(cfg *config.Config, fs clusterfs.FileSystem, tokens *credentials.Blob) *Builder {
	return &Builder{
		cfg:    cfg,
		fs:     fs,
		tokens: tokens,
		log:    log.WithComponent("launcher"),
	}
}

// Build assembles the launch context for a granted container bound to the
// given instance name.
func (b *Builder) Build(c types.Container, instance string) (*Context, error) {
	appWorkDir := path.Join(b.cfg.AppWorkDir, b.cfg.ApplicationName, b.cfg.ApplicationID)
	containerWorkDir := path.Join(appWorkDir, containerWorkDirName)

	resources := make(map[string]LocalResource)

	for _, dir := range []string{
		path.Join(appWorkDir, libJarsDirName),
		path.Join(containerWorkDir, appJarsDirName),
		path.Join(containerWorkDir, appFilesDirName),
	} {
		if err := b.addLocalResources(dir, resources); err != nil {
			return nil, err
		}
	}

	if b.cfg.ContainerFilesRemote != "" {
		if err := b.addRemoteFiles(b.cfg.ContainerFilesRemote, resources); err != nil {
			return nil, err
		}
	}

	ctx := &Context{
		Resources: resources,
		Env:       environment(),
		Commands:  []string{b.buildCommand(c, instance)},
	}

	if b.cfg.SecurityEnabled && b.tokens != nil {
		ctx.Tokens = b.tokens.Duplicate()
	}

	return ctx, nil
}

// addLocalResources registers every file directly under dir. A missing dir is
// skipped with a warning so optional staging directories stay optional.
func (b *Builder) addLocalResources(dir string, resources map[string]LocalResource) error {
	exists, err := b.fs.Exists(dir)
	if err != nil {
		return fmt.Errorf("check staging dir %s: %w", dir, err)
	}
	if !exists {
		b.log.Warn().Str("dir", dir).Msg("Staging directory does not exist, no local resources to add")
		return nil
	}

	statuses, err := b.fs.ListStatus(dir)
	if err != nil {
		return fmt.Errorf("list staging dir %s: %w", dir, err)
	}
	for _, st := range statuses {
		if st.IsDir {
			continue
		}
		resources[path.Base(st.Path)] = LocalResource{
			URI:  clusterfs.Qualify(b.fs, st.Path),
			Size: st.Size,
			Type: "FILE",
		}
	}
	return nil
}

// addRemoteFiles localizes each URI in the comma-separated list, resolving
// every URI against its own filesystem.
func (b *Builder) addRemoteFiles(list string, resources map[string]LocalResource) error {
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		fs, p, err := clusterfs.FileSystemFor(raw, b.fs)
		if err != nil {
			return err
		}
		statuses, err := fs.ListStatus(path.Dir(p))
		if err != nil {
			return fmt.Errorf("stat remote file %s: %w", raw, err)
		}
		var size int64
		for _, st := range statuses {
			if st.Path == p {
				size = st.Size
				break
			}
		}
		resources[path.Base(p)] = LocalResource{
			URI:  clusterfs.Qualify(fs, p),
			Size: size,
			Type: "FILE",
		}
	}
	return nil
}

// environment returns the cluster-standard environment additions for a worker
// container.
func environment() map[string]string {
	return map[string]string{
		"CLASSPATH": strings.Join([]string{
			"{{CLASSPATH}}",
			"./*",
			"./lib/*",
			"./conf",
		}, ":"),
		"PATH": "$PATH:$JAVA_HOME/bin",
	}
}

// buildCommand renders the exact worker command line. The heap is sized to
// the granted memory, which may be smaller than what was requested.
func (b *Builder) buildCommand(c types.Container, instance string) string {
	logDir := b.cfg.LogDir
	if logDir == "" {
		logDir = logDirExpansionVar
	}

	var sb strings.Builder
	sb.WriteString("$JAVA_HOME/bin/java")
	sb.WriteString(fmt.Sprintf(" -Xmx%dM", c.Resource.MemoryMB))
	sb.WriteString(" ")
	sb.WriteString(b.cfg.ContainerJVMArgs)
	sb.WriteString(" ")
	sb.WriteString(b.cfg.WorkerClass)
	sb.WriteString(" --")
	sb.WriteString(applicationNameFlag)
	sb.WriteString(" ")
	sb.WriteString(b.cfg.ApplicationName)
	sb.WriteString(" --")
	sb.WriteString(helixInstanceNameFlag)
	sb.WriteString(" ")
	sb.WriteString(instance)
	sb.WriteString(fmt.Sprintf(" 1>%s/%s.stdout", logDir, b.cfg.ProcessKind))
	sb.WriteString(fmt.Sprintf(" 2>%s/%s.stderr", logDir, b.cfg.ProcessKind))
	return sb.String()
}
