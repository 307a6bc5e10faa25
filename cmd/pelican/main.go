// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-pelican.
//
// go-pelican is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-pelican/pkg/authflow"
	"github.com/jeremyhahn/go-pelican/pkg/cli"
	"github.com/jeremyhahn/go-pelican/pkg/common"
	"github.com/jeremyhahn/go-pelican/pkg/pelican"
	"github.com/jeremyhahn/go-pelican/pkg/storage"
	"github.com/jeremyhahn/go-pelican/pkg/version"
)

var (
	cfgFile      string
	viperConfig  *viper.Viper
	globalConfig *cli.Config
)

// Exit codes distinguish a missing login from a refused one.
const (
	exitError           = 1
	exitUnauthenticated = 3
	exitUnauthorized    = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthenticated):
		return exitUnauthenticated
	case errors.Is(err, common.ErrUnauthorized):
		return exitUnauthorized
	default:
		return exitError
	}
}

func outputFormat() cli.OutputFormat {
	return cli.OutputFormat(globalConfig.OutputFormat)
}

// fail reports err on stderr in the selected output format and returns it.
func fail(err error) error {
	fmt.Fprint(os.Stderr, cli.FormatError(err, outputFormat()))
	if errors.Is(err, common.ErrUnauthenticated) {
		fmt.Fprintln(os.Stderr, "Run 'pelican login <url>' to authorize.")
	}
	return err
}

func succeed(message string, data any) {
	fmt.Print(cli.FormatOperationResult(&cli.OperationResult{Success: true, Message: message, Data: data}, outputFormat()))
}

func withContext(cmd *cobra.Command, fn func(cc *cli.CommandContext) error) error {
	cc, err := cli.NewCommandContext(cmd.Context(), globalConfig)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = cc.Close() }()
	if err := fn(cc); err != nil {
		return fail(err)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "pelican",
	Short: "A client for Pelican federated object storage",
	Long: `pelican lists, downloads and uploads objects in Pelican data federations.

Objects are addressed as pelican://<federation-hostname>/<namespace>/<path>.
Federation and namespace metadata is discovered on first use and kept in
the session, together with the tokens obtained by 'pelican login'.

Configuration can be provided via:
  - Command-line flags (highest priority)
  - Environment variables (PELICAN_*)
  - Configuration file (~/.pelican.yaml or ./.pelican.yaml)
  - Default values (lowest priority)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		viperConfig, err = cli.InitConfig(cfgFile)
		if err != nil {
			return err
		}
		if err := viperConfig.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
		globalConfig = cli.GetConfig(viperConfig)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "ls <collection-url>",
	Aliases: []string{"list"},
	Short:   "List a collection",
	Long: `List the collection at the given address. The first entry is the
parent collection unless the address is the federation root.`,
	Example: `  pelican ls pelican://osg-htc.org/ospool/ap20/data/
  pelican ls pelican://osg-htc.org/ospool/ap20/data/ -o table`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			entries, err := cc.ListCommand(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(cli.FormatListResult(entries, outputFormat()))
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <object-url> [output-file]",
	Short: "Download an object",
	Long: `Download an object. If output-file is not specified or is '-', the
content is written to stdout. An existing directory receives the object under
the name the server reports.`,
	Example: `  pelican get pelican://osg-htc.org/ospool/ap20/data/a.txt
  pelican get pelican://osg-htc.org/ospool/ap20/data/a.txt ./downloads/`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outputPath := ""
		if len(args) > 1 {
			outputPath = args[1]
		}
		return withContext(cmd, func(cc *cli.CommandContext) error {
			written, err := cc.GetCommand(cmd.Context(), args[0], outputPath)
			if err != nil {
				return err
			}
			if written != "-" {
				succeed(fmt.Sprintf("Downloaded '%s' to '%s'", args[0], written), map[string]string{"path": written})
			}
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <source-file> <destination-url>",
	Short: "Upload a file",
	Long: `Upload a file. A destination ending in '/' is a collection and the file
keeps its base name. Use '-' as the source-file to read from stdin.`,
	Example: `  pelican put results.csv pelican://osg-htc.org/ospool/ap20/data/
  tar c out | pelican put - pelican://osg-htc.org/ospool/ap20/data/out.tar`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type") //nolint:errcheck // flags are validated by cobra
		return withContext(cmd, func(cc *cli.CommandContext) error {
			written, err := cc.PutCommand(cmd.Context(), args[0], args[1], contentType)
			if err != nil {
				return err
			}
			succeed(fmt.Sprintf("Uploaded '%s' as '%s'", args[0], written), map[string]string{"objectUrl": written})
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <object-url>",
	Short: "Authorize access to a namespace",
	Long: `Run the OAuth2 authorization code flow for the namespace holding the
object. The authorization URL is printed; open it in a browser and the
issuer redirects back to a listener on callback-listen. The token is stored
in the session and the request given by --operation is replayed.`,
	Example: `  pelican login pelican://osg-htc.org/ospool/ap20/data/
  pelican login --operation PROPFIND pelican://osg-htc.org/ospool/ap20/data/`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := parseOperation(cmd)
		if err != nil {
			return fail(err)
		}
		wait, _ := cmd.Flags().GetDuration("wait") //nolint:errcheck // flags are validated by cobra
		resume, _ := cmd.Flags().GetBool("resume") //nolint:errcheck // flags are validated by cobra

		callback, err := cli.StartCallbackServer(globalConfig.CallbackListen, globalConfig.RedirectURL, nil)
		if err != nil {
			return fail(err)
		}
		defer func() { _ = callback.Close() }()
		globalConfig.RedirectURL = callback.RedirectURL()

		ctx, cancel := context.WithTimeout(cmd.Context(), wait)
		defer cancel()

		return withContext(cmd, func(cc *cli.CommandContext) error {
			result, err := cc.LoginCommand(ctx, args[0], op, callback, func(authURL string) error {
				fmt.Fprintf(os.Stderr, "Open the following URL in a browser to log in:\n\n  %s\n\n", authURL)
				return nil
			})
			if err != nil {
				return err
			}
			succeed(fmt.Sprintf("Logged in as %s", result.Subject), result)
			if resume && result.Queued != nil {
				return printResume(cmd, cc, result.Queued, "")
			}
			return nil
		})
	},
}

var loginStartCmd = &cobra.Command{
	Use:   "start <object-url>",
	Short: "Start a login and print the authorization URL",
	Long: `Start the authorization flow without listening for the callback. After
consenting in the browser, pass the URL the browser was redirected to to
'pelican login complete'.`,
	Example: `  pelican login start pelican://osg-htc.org/ospool/ap20/data/`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := parseOperation(cmd)
		if err != nil {
			return fail(err)
		}
		return withContext(cmd, func(cc *cli.CommandContext) error {
			redirect, err := cc.StartLoginCommand(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}
			succeed(redirect.URL, map[string]string{"authorizationUrl": redirect.URL})
			return nil
		})
	},
}

var loginCompleteCmd = &cobra.Command{
	Use:     "complete <callback-url>",
	Short:   "Complete a login from the callback URL",
	Example: `  pelican login complete 'http://127.0.0.1:8400/callback?code=...&state=...'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			result, err := cc.CompleteLoginCommand(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			succeed(fmt.Sprintf("Logged in as %s", result.Subject), result)
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [output-file]",
	Short: "Replay the request queued by the last login",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			outputPath := ""
			if len(args) > 0 {
				outputPath = args[0]
			}
			return printResume(cmd, cc, nil, outputPath)
		})
	},
}

func printResume(cmd *cobra.Command, cc *cli.CommandContext, queued *pelican.QueuedRequest, outputPath string) error {
	out, err := cc.ResumeCommand(cmd.Context(), queued, outputPath)
	if err != nil {
		return err
	}
	switch v := out.(type) {
	case []storage.Entry:
		fmt.Print(cli.FormatListResult(v, outputFormat()))
	case string:
		if v != "-" {
			succeed(fmt.Sprintf("Downloaded to '%s'", v), map[string]string{"path": v})
		}
	case *pelican.QueuedRequest:
		succeed(fmt.Sprintf("Rerun the upload to %s", v.ObjectURL), v)
	}
	return nil
}

var collectionsCmd = &cobra.Command{
	Use:     "collections <object-url>",
	Short:   "Show the collections the namespace token grants",
	Example: `  pelican collections pelican://osg-htc.org/ospool/ap20/`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			collections, err := cc.CollectionsCommand(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(cli.FormatCollectionsResult(collections, outputFormat()))
			return nil
		})
	},
}

var permissionsCmd = &cobra.Command{
	Use:     "permissions <object-url>",
	Short:   "Show the permissions held on an object or collection",
	Example: `  pelican permissions pelican://osg-htc.org/ospool/ap20/data/a.txt`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			perms, err := cc.PermissionsCommand(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(cli.FormatPermissionsResult(args[0], perms, outputFormat()))
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired tokens from the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContext(cmd, func(cc *cli.CommandContext) error {
			n, err := cc.PruneCommand(cmd.Context())
			if err != nil {
				return err
			}
			succeed(fmt.Sprintf("Dropped %d expired token(s)", n), map[string]int{"dropped": n})
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Example: `  pelican config
  pelican config -o json
  pelican --session-backend memory config`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.ValidateConfig(globalConfig); err != nil {
			return fail(err)
		}
		fmt.Print(cli.DisplayConfig(globalConfig, globalConfig.OutputFormat))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

func parseOperation(cmd *cobra.Command) (pelican.Operation, error) {
	raw, _ := cmd.Flags().GetString("operation") //nolint:errcheck // flags are validated by cobra
	switch op := pelican.Operation(strings.ToUpper(raw)); op {
	case pelican.OperationGet, pelican.OperationPut, pelican.OperationList:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q: use GET, PUT or PROPFIND", raw)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pelican.yaml)")
	rootCmd.PersistentFlags().StringP("output-format", "o", "text", "output format (text, json, table)")
	rootCmd.PersistentFlags().String("session-backend", cli.SessionBadger, "session store (memory, badger)")
	rootCmd.PersistentFlags().String("session-path", "~/.pelican/session", "directory of the badger session store")
	rootCmd.PersistentFlags().String("redirect-url", "http://127.0.0.1:8400/callback", "OAuth redirect URI")
	rootCmd.PersistentFlags().String("callback-listen", "127.0.0.1:8400", "address of the login callback listener")
	rootCmd.PersistentFlags().StringSlice("scopes", authflow.DefaultScopes, "scopes requested at login")
	rootCmd.PersistentFlags().String("client-name", "pelican-client", "client name sent at registration")
	rootCmd.PersistentFlags().Duration("listing-ttl", time.Minute, "how long collection listings are cached")
	rootCmd.PersistentFlags().Duration("timeout", 60*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().Float64("rate-limit", 0, "requests per second, 0 for unlimited")
	rootCmd.PersistentFlags().Int("rate-burst", 1, "rate limiter burst")
	rootCmd.PersistentFlags().String("http-protocol", "http1", "HTTP protocol (http1, http3)")
	rootCmd.PersistentFlags().String("ca-file", "", "extra CA bundle to trust")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip TLS verification")
	rootCmd.PersistentFlags().Int("retries", 2, "retries of failed reads")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-backend", cli.LogSlog, "log backend (slog, zap, logrus)")
	rootCmd.PersistentFlags().String("audit-file", "", "append an audit trail of storage and login operations to this file")
	rootCmd.PersistentFlags().String("audit-format", "json", "audit trail format (json, text)")

	putCmd.Flags().String("content-type", "", "content type of the upload")

	loginCmd.PersistentFlags().String("operation", string(pelican.OperationGet), "operation queued for replay (GET, PUT, PROPFIND)")
	loginCmd.Flags().Duration("wait", 5*time.Minute, "how long to wait for the browser")
	loginCmd.Flags().Bool("resume", true, "replay the queued request after login")
	loginCmd.AddCommand(loginStartCmd)
	loginCmd.AddCommand(loginCompleteCmd)

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(collectionsCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
