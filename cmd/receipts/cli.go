package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/SebastianBehrens/receipt-processor/internal/config"
	"github.com/SebastianBehrens/receipt-processor/internal/errors"
	"github.com/SebastianBehrens/receipt-processor/internal/log"
	"github.com/SebastianBehrens/receipt-processor/internal/ops"
	"github.com/SebastianBehrens/receipt-processor/internal/receipt"
	"github.com/SebastianBehrens/receipt-processor/internal/vision"
	"github.com/SebastianBehrens/receipt-processor/internal/web"
)

// maxItemsInput caps the JSON item list read from stdin.
const maxItemsInput = 1 << 20

// appEnv holds the collaborators shared by all commands.
type appEnv struct {
	db        *sql.DB
	cfg       *config.Config
	extractor vision.Extractor
	dataDir   string
	logger    *log.Logger
}

// owner returns the --owner flag, falling back to the configured default owner.
func (e *appEnv) owner(c *cli.Context) string {
	if o := strings.TrimSpace(c.String("owner")); o != "" {
		return o
	}
	return e.cfg.DefaultOwner
}

// ctx returns a context carrying the command logger.
func (e *appEnv) ctx(c *cli.Context) context.Context {
	return log.NewContext(c.Context, e.logger.WithComponent(log.ComponentWorkflow))
}

// newCLIApp creates the CLI application with all commands.
// env may be nil when only help or version output is needed.
func newCLIApp(env *appEnv) *cli.App {
	app := &cli.App{
		Name:    "receipts",
		Usage:   "Split shared receipts between two people",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "owner", Usage: "Act on the session of this owner (default: default_owner from config)"},
		},
		Commands: []*cli.Command{
			serveCmd(env),
			stateCmd(env),
			stepCmd(env),
			restartCmd(env),
			uploadCmd(env),
			filesCmd(env),
			extractCmd(env),
			itemsCmd(env, "draft", "Save draft items of a file without confirming it", ops.SaveDraft),
			itemsCmd(env, "confirm", "Confirm the items of a file", ops.Confirm),
			skipCmd(env),
			finishCmd(env),
			nextCmd(env),
			assignCmd(env),
			aggregateCmd(env),
			reportCmd(env),
			historyCmd(env),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the web UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Aliases: []string{"b"}, Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8080, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			srv, err := web.NewServer(web.Deps{
				DB:        env.db,
				Config:    env.cfg,
				Extractor: env.extractor,
				DataDir:   env.dataDir,
				Logger:    env.logger,
			}, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			return web.Run(srv, env.logger)
		},
	}
}

// stateCmd creates the state command.
func stateCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Show the active session",
		Action: func(c *cli.Context) error {
			output, err := ops.GetState(env.ctx(c), env.db, env.cfg, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// stepCmd creates the step command.
func stepCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "step",
		Usage:     "Move to another workflow step (0-4 or intro|upload|extract|sort|aggregate)",
		ArgsUsage: "<step>",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("step is required"))
			}
			output, err := ops.Navigate(env.ctx(c), env.db, env.cfg, ops.NavigateInput{
				Owner: env.owner(c),
				Step:  receipt.ParseStep(c.Args().First()),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// restartCmd creates the restart command.
func restartCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "restart",
		Usage: "Start a fresh session; the current one stays in the history",
		Action: func(c *cli.Context) error {
			output, err := ops.Restart(env.ctx(c), env.db, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// uploadCmd creates the upload command.
func uploadCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a ZIP archive of receipt images",
		ArgsUsage: "<archive.zip>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payer", Usage: "Who paid the receipts: a|b"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("archive path is required"))
			}
			path := c.Args().First()

			f, err := os.Open(path)
			if err != nil {
				return outputError(errors.NewNotFound("archive", path))
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil || !info.Mode().IsRegular() {
				return outputError(errors.NewInvalidRequest("archive must be a regular file"))
			}

			output, err := ops.Upload(env.ctx(c), env.db, env.cfg, env.dataDir, ops.UploadInput{
				Owner:       env.owner(c),
				ArchiveName: filepath.Base(path),
				Archive:     f,
				Size:        info.Size(),
				Payer:       c.String("payer"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// filesCmd creates the files command.
func filesCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "files",
		Usage: "List the extracted files of the active session",
		Action: func(c *cli.Context) error {
			state, err := ops.GetState(env.ctx(c), env.db, env.cfg, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{
				"files":               state.Files,
				"files_processed":     state.FilesProcessed,
				"files_total":         state.FilesTotal,
				"progress_percentage": state.ProgressPercentage,
			})
		},
	}
}

// extractCmd creates the extract command.
func extractCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "Read the items of one file with the vision model",
		ArgsUsage: "<file id|filename>",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("file id or filename is required"))
			}
			output, err := ops.Extract(env.ctx(c), env.db, env.extractor, env.dataDir, ops.ExtractInput{
				Owner: env.owner(c),
				File:  ops.ParseFileRef(c.Args().First()),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

type itemsOp func(context.Context, *sql.DB, ops.ItemsInput) (*ops.ItemsOutput, error)

// itemsCmd creates the draft and confirm commands. Items come from repeated
// --item "name=price" flags or, without flags, as JSON on stdin.
func itemsCmd(env *appEnv, name, usage string, op itemsOp) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage + " (--item name=price, or JSON items on stdin)",
		ArgsUsage: "<file id|filename>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "item", Aliases: []string{"i"}, Usage: "Item as name=price (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("file id or filename is required"))
			}

			var items []receipt.ItemDraft
			if flags := c.StringSlice("item"); len(flags) > 0 {
				parsed, err := parseItemFlags(flags)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				items = parsed
			} else if stdinHasData() {
				text, err := readStdin(maxItemsInput)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				parsed, err := parseItemsJSON(text)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				items = parsed
			}

			output, err := op(env.ctx(c), env.db, ops.ItemsInput{
				Owner: env.owner(c),
				File:  ops.ParseFileRef(c.Args().First()),
				Items: items,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// skipCmd creates the skip command.
func skipCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "skip",
		Usage:     "Skip a file without contributing items",
		ArgsUsage: "<file id|filename>",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("file id or filename is required"))
			}
			output, err := ops.Skip(env.ctx(c), env.db, ops.SkipInput{
				Owner: env.owner(c),
				File:  ops.ParseFileRef(c.Args().First()),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// finishCmd creates the finish command.
func finishCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "finish",
		Usage: "Finish extraction once every file is confirmed or skipped",
		Action: func(c *cli.Context) error {
			output, err := ops.FinishExtraction(env.ctx(c), env.db, env.cfg, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// nextCmd creates the next command.
func nextCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "next",
		Usage: "Show the next item to sort",
		Action: func(c *cli.Context) error {
			output, err := ops.NextUnassigned(env.ctx(c), env.db, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// assignCmd creates the assign command.
func assignCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:      "assign",
		Usage:     "Assign the next item to a, b or shared",
		ArgsUsage: "<a|b|shared>",
		Action: func(c *cli.Context) error {
			output, err := ops.Assign(env.ctx(c), env.db, env.cfg, ops.AssignInput{
				Owner:    env.owner(c),
				Assignee: c.Args().First(),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// aggregateCmd creates the aggregate command.
func aggregateCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "aggregate",
		Usage: "Calculate totals and the transfer between the two people",
		Action: func(c *cli.Context) error {
			output, err := ops.Calculate(env.ctx(c), env.db, env.cfg, env.owner(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// reportCmd creates the report command.
func reportCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print the settlement report of a session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session id (default: active session)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "markdown", Usage: "Output format: markdown|json"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Report(env.ctx(c), env.db, env.cfg, ops.ReportInput{
				Owner:     env.owner(c),
				SessionID: c.String("session"),
				Format:    c.String("format"),
			})
			if err != nil {
				return outputError(err)
			}
			if output.Report == nil {
				_, err := fmt.Fprint(os.Stdout, output.Markdown)
				return err
			}
			return outputJSON(output)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(env *appEnv) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List past and current sessions, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.History(env.ctx(c), env.db, env.cfg, ops.HistoryInput{
				Owner:  env.owner(c),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	rErr := errors.As(err)
	return cli.Exit(fmt.Sprintf("[%s] %s", rErr.Code, rErr.Message), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseItemFlags turns "name=price" pairs into drafts. The last '=' splits,
// so names may contain '='.
func parseItemFlags(flags []string) ([]receipt.ItemDraft, error) {
	items := make([]receipt.ItemDraft, 0, len(flags))
	for _, f := range flags {
		i := strings.LastIndex(f, "=")
		if i < 0 {
			return nil, fmt.Errorf("item %q must be name=price", f)
		}
		items = append(items, receipt.ItemDraft{
			Name:  strings.TrimSpace(f[:i]),
			Price: strings.TrimSpace(f[i+1:]),
		})
	}
	return items, nil
}

type jsonItem struct {
	Item  string `json:"item"`
	Name  string `json:"name"`
	Price any    `json:"price"`
}

// parseItemsJSON accepts either a bare array of items or {"items": [...]}.
// Prices may be strings or numbers.
func parseItemsJSON(text string) ([]receipt.ItemDraft, error) {
	if text == "" {
		return nil, nil
	}
	var list []jsonItem
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("invalid items JSON: %w", err)
		}
	} else {
		var wrapped struct {
			Items []jsonItem `json:"items"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, fmt.Errorf("invalid items JSON: %w", err)
		}
		list = wrapped.Items
	}

	items := make([]receipt.ItemDraft, 0, len(list))
	for _, it := range list {
		name := it.Item
		if name == "" {
			name = it.Name
		}
		var price string
		switch p := it.Price.(type) {
		case string:
			price = p
		case float64:
			price = strconv.FormatFloat(p, 'f', -1, 64)
		case nil:
		default:
			price = fmt.Sprint(p)
		}
		items = append(items, receipt.ItemDraft{Name: name, Price: price})
	}
	return items, nil
}
