package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackpilot/pkg/deployer"
	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/policy"
)

func newDevCommand() *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Redeploy the development stack on every change",
		Long: `Watch the template, the parameter script and any dev.watch paths, and
redeploy the development environment once changes settle.

Policy files under policy.paths are reloaded as they change. Changes to
the configuration file itself need a restart. Production environments
cannot be targeted.`,
		Example: `  # Watch and redeploy the configured dev environment
  stackpilot dev

  # Rehearse against the simulated cloud
  stackpilot dev --sim`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if env == "" {
				env = a.cfg.DevEnvironment()
			}
			t, err := a.target(ctx, env)
			if err != nil {
				return err
			}
			if t.id.IsProduction() {
				return engine.NewValidationError("the dev loop cannot target production", nil).WithResource(t.id.Name)
			}

			if len(a.cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(a.component("policy-loader"))
				err := loader.Watch(ctx, a.cfg.Policy.Paths, func(policies []policy.Policy) error {
					return a.gate.Replace(ctx, policies)
				})
				if err != nil {
					return err
				}
			}

			w, err := newDevWatcher(a.devPaths())
			if err != nil {
				return err
			}
			defer w.close()

			log.Info().
				Str("stack", t.id.Name).
				Dur("debounce", a.cfg.Dev.Debounce).
				Strs("watching", w.paths()).
				Msg("Dev loop started")

			redeploy := func() {
				res, err := a.deploy(ctx, t)
				if err != nil {
					log.Error().Err(err).Msg("Deploy failed")
					return
				}
				if err := deployer.WriteReport(os.Stdout, res); err != nil {
					log.Warn().Err(err).Msg("Failed to write report")
				}
			}
			redeploy()
			return w.run(ctx, a.cfg.Dev.Debounce, redeploy)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment to redeploy (default: dev.environment)")

	return cmd
}

func (a *app) devPaths() []string {
	paths := []string{a.cfg.Template}
	if a.cfg.ParameterScript != "" {
		paths = append(paths, a.cfg.ParameterScript)
	}
	return append(paths, a.cfg.Dev.Watch...)
}

// devWatcher watches files through their parent directories, so editors
// that replace a file on save keep triggering, and whole directory trees.
type devWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]bool
	dirs    []string
}

func newDevWatcher(paths []string) (*devWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &devWatcher{watcher: watcher, files: make(map[string]bool)}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			_ = watcher.Close()
			return nil, engine.NewValidationError("cannot watch path", err).WithResource(p)
		}
		if !info.IsDir() {
			w.files[filepath.Clean(p)] = true
			if err := watcher.Add(filepath.Dir(p)); err != nil {
				_ = watcher.Close()
				return nil, err
			}
			continue
		}

		w.dirs = append(w.dirs, filepath.Clean(p))
		err = filepath.WalkDir(p, func(sub string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(sub)
			}
			return nil
		})
		if err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *devWatcher) paths() []string {
	out := make([]string, 0, len(w.files)+len(w.dirs))
	for f := range w.files {
		out = append(out, f)
	}
	return append(out, w.dirs...)
}

func (w *devWatcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if w.files[name] {
		return true
	}
	for _, dir := range w.dirs {
		if name == dir || strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// run calls fn each time relevant changes have been quiet for debounce,
// until ctx is done. fn runs on the calling goroutine, so redeploys never
// overlap.
func (w *devWatcher) run(ctx context.Context, debounce time.Duration, fn func()) error {
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !w.relevant(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Change detected")
			timer.Reset(debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watch error")

		case <-timer.C:
			log.Info().Msg("Changes settled, redeploying")
			fn()
		}
	}
}

func (w *devWatcher) close() {
	if err := w.watcher.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close watcher")
	}
}
