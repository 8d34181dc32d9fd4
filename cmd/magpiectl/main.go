// magpiectl is the command-line client for a running Magpie server. It talks
// to the same REST API the web UI uses, and its watch command drives the
// progress reconciler against the server's download listing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mikelund/magpie/client"
	"github.com/mikelund/magpie/platform"
)

type cliState struct {
	ServerURL string `json:"serverUrl"`
	Token     string `json:"token"`
}

func statePath() string {
	return filepath.Join(platform.GetDataDir(), "magpiectl.json")
}

func loadState() cliState {
	st := cliState{ServerURL: "http://localhost:8091"}
	raw, err := os.ReadFile(statePath())
	if err != nil {
		return st
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		log.Printf("ignoring unreadable state file: %v", err)
	}
	if st.ServerURL == "" {
		st.ServerURL = "http://localhost:8091"
	}
	return st
}

func saveState(st cliState) error {
	if err := os.MkdirAll(filepath.Dir(statePath()), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statePath(), raw, 0600)
}

func apiClient(c *cli.Context) *client.Client {
	st := loadState()
	server := c.String("server")
	if server == "" {
		server = st.ServerURL
	}
	token := c.String("token")
	if token == "" {
		token = st.Token
	}
	return client.New(server, token)
}

func main() {
	log.SetFlags(0)

	app := &cli.App{
		Name:  "magpiectl",
		Usage: "manage models, bundles, and downloads on a Magpie server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "server base URL (default from saved state)"},
			&cli.StringFlag{Name: "token", Usage: "bearer token (default from saved state)"},
		},
		Commands: []*cli.Command{
			loginCommand(),
			modelsCommand(),
			bundlesCommand(),
			downloadCommand(),
			stopCommand(),
			jobsCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "authenticate and store the token locally",
		ArgsUsage: "<username> <password>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: magpiectl login <username> <password>")
			}
			api := apiClient(c)
			token, err := api.Login(context.Background(), c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			st := loadState()
			if server := c.String("server"); server != "" {
				st.ServerURL = server
			}
			st.Token = token
			if err := saveState(st); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("logged in to " + st.ServerURL))
			return nil
		},
	}
}

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "list models in the catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "filter by model type"},
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "filter by name substring"},
			&cli.BoolFlag{Name: "scan", Usage: "rescan the model tree first"},
		},
		Action: func(c *cli.Context) error {
			api := apiClient(c)
			ctx := context.Background()
			if c.Bool("scan") {
				result, err := api.ScanModels(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scan: %d added, %d removed, %d total\n", result.Added, result.Removed, result.Total)
			}
			models, err := api.ListModels(ctx, c.String("type"), c.String("query"))
			if err != nil {
				return err
			}
			renderModels(models)
			return nil
		},
	}
}

func bundlesCommand() *cli.Command {
	return &cli.Command{
		Name:  "bundles",
		Usage: "list bundles, or install one",
		Subcommands: []*cli.Command{
			{
				Name:      "install",
				Usage:     "queue a bundle install and watch its progress",
				ArgsUsage: "<bundle-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Usage: "hardware profile name"},
					&cli.BoolFlag{Name: "detach", Usage: "queue only, do not watch"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: magpiectl bundles install <bundle-id>")
					}
					api := apiClient(c)
					ctx := context.Background()
					res, err := api.InstallBundle(ctx, c.Args().First(), c.String("profile"))
					if err != nil {
						return err
					}
					fmt.Println(okStyle.Render("queued install job " + res.JobID))
					if c.Bool("detach") {
						return nil
					}
					seeds := make([]watchSeed, 0, len(res.Dests))
					for _, dest := range res.Dests {
						seeds = append(seeds, watchSeed{Dest: dest, Name: filepath.Base(dest)})
					}
					return watchProgress(ctx, api, seeds...)
				},
			},
		},
		Action: func(c *cli.Context) error {
			api := apiClient(c)
			bundles, err := api.ListBundles(context.Background())
			if err != nil {
				return err
			}
			renderBundles(bundles)
			return nil
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "download a model and watch its progress",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "filename to save as"},
			&cli.StringFlag{Name: "type", Usage: "model type (checkpoint, lora, vae, ...)"},
			&cli.StringFlag{Name: "sha256", Usage: "expected digest"},
			&cli.BoolFlag{Name: "extract", Usage: "unpack the archive after download"},
			&cli.StringFlag{Name: "preview-url", Usage: "preview image to fetch alongside"},
			&cli.BoolFlag{Name: "detach", Usage: "queue only, do not watch"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: magpiectl download <url>")
			}
			api := apiClient(c)
			ctx := context.Background()
			res, err := api.StartDownload(ctx, client.StartDownloadRequest{
				URL:        c.Args().First(),
				Name:       c.String("name"),
				Type:       c.String("type"),
				SHA256:     c.String("sha256"),
				Extract:    c.Bool("extract"),
				PreviewURL: c.String("preview-url"),
			})
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render("queued download job " + res.JobID))
			if c.Bool("detach") {
				return nil
			}
			return watchProgress(ctx, api, watchSeed{Dest: res.Dest, Name: filepath.Base(res.Dest)})
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "stop an in-flight download (all of them when no dest given)",
		ArgsUsage: "[dest]",
		Action: func(c *cli.Context) error {
			api := apiClient(c)
			if err := api.StopDownload(context.Background(), c.Args().First()); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("stop requested"))
			return nil
		},
	}
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "list the server's job queue",
		Subcommands: []*cli.Command{
			{
				Name:      "cancel",
				ArgsUsage: "<job-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("usage: magpiectl jobs cancel <job-id>")
					}
					api := apiClient(c)
					if err := api.CancelJob(context.Background(), c.Args().First()); err != nil {
						return err
					}
					fmt.Println(okStyle.Render("cancel requested"))
					return nil
				},
			},
		},
		Action: func(c *cli.Context) error {
			api := apiClient(c)
			jobs, err := api.ListJobs(context.Background())
			if err != nil {
				return err
			}
			renderJobs(jobs)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "watch download progress until everything finishes",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: 1500 * time.Millisecond},
		},
		Action: func(c *cli.Context) error {
			return watchProgressInterval(context.Background(), apiClient(c), c.Duration("interval"))
		},
	}
}
