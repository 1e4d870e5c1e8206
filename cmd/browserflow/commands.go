package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rendis/browserflow/internal/diagram"
	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/internal/tasks"
	"github.com/rendis/browserflow/internal/workflow"
	"github.com/rendis/browserflow/pkg/mcp"
	"github.com/rendis/browserflow/pkg/schema"
)

type commands struct {
	stdout io.Writer
	stderr io.Writer
}

// with loads the configuration and builds the app around a command action.
func (c *commands) with(fn func(*cli.Context, *app) error) cli.ActionFunc {
	return func(cc *cli.Context) error {
		cfg, err := loadConfig(cc)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: config: %v", err), exitFailed)
		}
		a, err := newApp(cfg, c.stdout, c.stderr)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error: %v", err), exitFailed)
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.logger.Warn("shutdown", "error", err)
			}
		}()
		return fn(cc, a)
	}
}

func paramFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "param",
		Aliases: []string{"p"},
		Usage:   "initial variable as key=value; values are read as YAML scalars (repeatable)",
	}
}

func (c *commands) runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a workflow file once and print its outcome",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			paramFlag(),
			&cli.StringFlag{Name: "task-id", Usage: "task ID recorded in events (default: generated)"},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			path, data, err := readWorkflowArg(cc)
			if err != nil {
				return err
			}
			if !c.report(path, a.compiler, data) {
				return cli.Exit("", exitInvalid)
			}
			params, err := parseParams(cc.StringSlice("param"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("Error: %v", err), exitInvalid)
			}

			shell, err := a.shell(cc.Context, nil, false)
			if err != nil {
				return err
			}
			id := cc.String("task-id")
			if id == "" {
				id = "cli-" + uuid.NewString()
			}
			out := shell.Execute(cc.Context, &schema.Task{
				ID:        id,
				Workflow:  string(data),
				Params:    params,
				CreatedAt: time.Now().UTC(),
			})
			if err := writeJSON(c.stdout, out); err != nil {
				return err
			}
			if !out.Succeeded() {
				if out.Error != nil {
					fmt.Fprintln(c.stderr, out.Error)
				}
				return cli.Exit("", exitFailed)
			}
			return nil
		}),
	}
}

func (c *commands) validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow files without running them",
		ArgsUsage: "<file>...",
		Action: c.with(func(cc *cli.Context, a *app) error {
			if cc.NArg() == 0 {
				return cli.Exit("Error: at least one workflow file is required", exitInvalid)
			}
			valid := true
			for _, path := range cc.Args().Slice() {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read workflow: %w", err)
				}
				if c.report(path, a.compiler, data) {
					fmt.Fprintf(c.stdout, "%s: ok\n", path)
				} else {
					valid = false
				}
			}
			if !valid {
				return cli.Exit("", exitInvalid)
			}
			return nil
		}),
	}
}

func (c *commands) workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Claim and run tasks from the queue until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "lease owner ID (default: host and pid)"},
			&cli.BoolFlag{Name: "serve", Usage: "also serve the HTTP API, which enables human escalation"},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			owner := cc.String("owner")
			if owner == "" {
				host, _ := os.Hostname()
				owner = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			q, err := a.queue(cc.Context, owner)
			if err != nil {
				return err
			}
			serve := cc.Bool("serve")
			shell, err := a.shell(cc.Context, q, serve)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cc.Context)
			if serve {
				api, err := a.api(ctx, q)
				if err != nil {
					return err
				}
				g.Go(func() error { return api.ListenAndServe(ctx, a.cfg.ListenAddr) })
			}
			g.Go(func() error { return shell.Run(ctx) })
			a.logger.Info("worker started", "owner", owner, "queue", a.cfg.Queue, "driver", a.cfg.Driver, "concurrency", a.cfg.Concurrency)
			return g.Wait()
		}),
	}
}

func (c *commands) enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Validate a workflow file and queue it for a worker",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			paramFlag(),
			&cli.StringFlag{Name: "task-id", Usage: "task ID (default: generated)"},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			path, data, err := readWorkflowArg(cc)
			if err != nil {
				return err
			}
			if !c.report(path, a.compiler, data) {
				return cli.Exit("", exitInvalid)
			}
			params, err := parseParams(cc.StringSlice("param"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("Error: %v", err), exitInvalid)
			}
			q, err := a.queue(cc.Context, "")
			if err != nil {
				return err
			}
			task := &schema.Task{
				ID:        cc.String("task-id"),
				Workflow:  string(data),
				Params:    params,
				CreatedAt: time.Now().UTC(),
			}
			if err := q.Enqueue(cc.Context, task); err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, task.ID)
			return nil
		}),
	}
}

func (c *commands) scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Enqueue workflows on cron schedules until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "jobs file", Required: true},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			jobs, err := tasks.LoadJobs(cc.String("jobs"))
			if err != nil {
				return err
			}
			valid := true
			for _, j := range jobs {
				valid = c.report(cc.String("jobs")+"#"+j.Name, a.compiler, []byte(j.Workflow)) && valid
			}
			if !valid {
				return cli.Exit("", exitInvalid)
			}
			q, err := a.queue(cc.Context, "")
			if err != nil {
				return err
			}
			sched, err := tasks.NewScheduler(q, jobs, a.logger)
			if err != nil {
				return cli.Exit(fmt.Sprintf("Error: %v", err), exitInvalid)
			}
			if err := sched.Start(cc.Context); err != nil {
				return err
			}
			<-cc.Context.Done()
			sched.Stop()
			return nil
		}),
	}
}

func (c *commands) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API over the queue and run log",
		Action: c.with(func(cc *cli.Context, a *app) error {
			q, err := a.queue(cc.Context, "")
			if err != nil {
				return err
			}
			api, err := a.api(cc.Context, q)
			if err != nil {
				return err
			}
			return api.ListenAndServe(cc.Context, a.cfg.ListenAddr)
		}),
	}
}

func (c *commands) mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools on stdio",
		Action: c.with(func(cc *cli.Context, a *app) error {
			q, err := a.queue(cc.Context, "")
			if err != nil {
				return err
			}
			st, err := a.openStore(cc.Context)
			if err != nil {
				return err
			}
			shell, err := a.shell(cc.Context, nil, true)
			if err != nil {
				return err
			}
			srv := mcp.NewServer(mcp.ServerDeps{
				Runner:      shell,
				Validator:   a.compiler,
				Tasks:       q,
				Runs:        st,
				Escalations: a.broker,
				Logger:      a.logger,
			})
			err = srv.Serve(cc.Context)
			if errors.Is(err, cc.Context.Err()) {
				return nil
			}
			return err
		}),
	}
}

func (c *commands) diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render the control flow of a workflow file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "mermaid", Usage: "mermaid, ascii, png or svg"},
			&cli.StringFlag{Name: "run", Usage: "overlay the recorded trace of this run ID"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default: stdout; required for png)"},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			path, data, err := readWorkflowArg(cc)
			if err != nil {
				return err
			}
			if !c.report(path, a.compiler, data) {
				return cli.Exit("", exitInvalid)
			}
			wf, err := a.compiler.Parse(data)
			if err != nil {
				return err
			}

			var run *store.RunSummary
			if id := cc.String("run"); id != "" {
				st, err := a.openStore(cc.Context)
				if err != nil {
					return err
				}
				if run, err = st.Replay(cc.Context, id); err != nil {
					return fmt.Errorf("load run %s: %w", id, err)
				}
			}
			model := diagram.Build(wf, run)

			var out []byte
			switch format := cc.String("format"); format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case diagram.FormatPNG, diagram.FormatSVG:
				if format == diagram.FormatPNG && cc.String("out") == "" {
					return cli.Exit("Error: png output needs --out", exitInvalid)
				}
				if out, err = diagram.RenderImage(cc.Context, model, format); err != nil {
					return err
				}
			default:
				return cli.Exit(fmt.Sprintf("Error: unknown format %q", format), exitInvalid)
			}

			if dest := cc.String("out"); dest != "" {
				if err := os.WriteFile(dest, out, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", dest, err)
				}
				fmt.Fprintf(c.stdout, "Diagram written to %s\n", dest)
				return nil
			}
			_, err = c.stdout.Write(out)
			return err
		}),
	}
}

// initCommand writes the effective configuration to the settings file.
func (c *commands) initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the effective configuration to the settings file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing settings file"},
		},
		Action: c.with(func(cc *cli.Context, a *app) error {
			path := cc.String("config")
			if path == "" {
				path = settingsPath()
			}
			if _, err := os.Stat(path); err == nil && !cc.Bool("force") {
				return cli.Exit(fmt.Sprintf("Error: %s exists, use --force to overwrite", path), exitFailed)
			}
			for _, dir := range []string{filepath.Dir(path), a.cfg.ProfilesDir, a.cfg.ArtifactDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			data, err := json.MarshalIndent(a.cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(c.stdout, "Config written to %s\n", path)
			return nil
		}),
	}
}

// report prints validation issues to stderr and reports whether data compiles.
func (c *commands) report(name string, compiler *workflow.Compiler, data []byte) bool {
	_, result := compiler.Validate(data)
	for _, w := range result.Warnings {
		fmt.Fprintf(c.stderr, "%s: warning: %s\n", name, w)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(c.stderr, "%s: %s\n", name, e)
	}
	return result.Valid()
}

func readWorkflowArg(cc *cli.Context) (string, []byte, error) {
	if cc.NArg() != 1 {
		return "", nil, cli.Exit("Error: exactly one workflow file is required", exitInvalid)
	}
	path := cc.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read workflow: %w", err)
	}
	return path, data, nil
}

// parseParams turns key=value pairs into run variables.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q must be key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
