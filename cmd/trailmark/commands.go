package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trailmark/trailmark/internal/audit"
	"github.com/trailmark/trailmark/internal/config"
	"github.com/trailmark/trailmark/internal/index"
)

// withStack loads config, builds the stack without the feed, runs fn and
// closes everything.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, st *stack) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := buildStack(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, st)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// trailmark commit
// ============================================================================

var (
	commitType    string
	commitPayload string
)

var commitCmd = &cobra.Command{
	Use:   "commit <channel> <resource>",
	Short: "Record a change to a resource",
	Long: `Record a change to a resource. The payload is any JSON value.

Commit types: CREATE and TRANSFER-IN start a chain; UPDATE, ATTACH, DETACH
and TRANSFER-OUT extend one.

Example:
  trailmark commit orders o-1001 --type CREATE --payload '{"total": 12}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(commitPayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		return withStack(cmd, func(ctx context.Context, st *stack) error {
			if err := st.engine.Commit(ctx, args[0], args[1], json.RawMessage(commitPayload), commitType); err != nil {
				return err
			}
			fmt.Printf("[trailmark] %s %s/%s committed\n", commitType, args[0], args[1])
			return nil
		})
	},
}

func init() {
	commitCmd.Flags().StringVarP(&commitType, "type", "t", "", "Commit type (CREATE, UPDATE, ATTACH, DETACH, TRANSFER-IN, TRANSFER-OUT)")
	commitCmd.Flags().StringVarP(&commitPayload, "payload", "p", "", "JSON payload")
	commitCmd.MarkFlagRequired("type")
	commitCmd.MarkFlagRequired("payload")
}

// ============================================================================
// trailmark get / history
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <channel> <resource>",
	Short: "Print the newest payload of a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, st *stack) error {
			payload, err := st.engine.Query(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(payload)
		})
	},
}

var historyFull bool

var historyCmd = &cobra.Command{
	Use:   "history <channel> <resource>",
	Short: "Print every payload of a resource, newest first",
	Long: `Print every payload of a resource, newest first. With --full each
element is the whole ledger entry: id, timestamp, event type, version and
the locator of the previous entry.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, st *stack) error {
			if historyFull {
				chain, err := st.engine.Trail(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(chain)
			}
			history, err := st.engine.QueryHistory(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(history)
		})
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyFull, "full", false, "Print whole ledger entries instead of payloads")
}

// ============================================================================
// trailmark channels
// ============================================================================

var channelsMatch string

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	Long: `List the channels known to the local index. --match filters channel ids
with a glob pattern (e.g. 'orders-*'). Seeds are never printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, st *stack) error {
			channels, err := st.engine.Channels(ctx, channelsMatch)
			if err != nil {
				return err
			}
			if len(channels) == 0 {
				fmt.Println("No channels.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tMODE\tACCESS\tENTRIES\tROOT")
			for _, c := range channels {
				access := "read-only"
				if _, ok := c.Seed(); ok {
					access = "writable"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ChannelID, c.State.Mode, access, c.State.Start, c.Root)
			}
			return w.Flush()
		})
	},
}

var channelsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register channels shared by another agent as read-only",
	Long: `Register channels from an export document ('trailmark export' on
another agent). Every asset head is fetched once from the ledger, so the
ledger must already hold the other agent's entries. Seeds in the document
are ignored: imported channels can be read but never written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		doc, err := index.ReadDocument(f)
		if err != nil {
			return err
		}

		return withStack(cmd, func(ctx context.Context, st *stack) error {
			imports := doc.Imports()
			for _, imp := range imports {
				if err := st.engine.ImportChannel(ctx, imp); err != nil {
					return err
				}
				fmt.Printf("[trailmark] Imported %s (%d assets)\n", imp.ChannelID, len(imp.Assets))
			}
			if len(imports) == 0 {
				fmt.Println("No channels in document.")
			}
			return nil
		})
	},
}

func init() {
	channelsCmd.Flags().StringVar(&channelsMatch, "match", "", "Glob pattern on channel ids")
	channelsCmd.AddCommand(channelsImportCmd)
}

// ============================================================================
// trailmark export
// ============================================================================

var exportWithSeeds bool

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the index as JSON to stdout",
	Long: `Write every channel and asset pointer of the index as JSON. Seeds are
left out unless --with-seeds is given; a document with seeds grants write
access to every channel in it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, st *stack) error {
			return index.Export(ctx, st.index, os.Stdout, exportWithSeeds)
		})
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportWithSeeds, "with-seeds", false, "Include channel seeds")
}

// ============================================================================
// trailmark keygen
// ============================================================================

var keygenLength int

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print random key material",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := audit.RandomKeys{}.Generate(keygenLength)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	keygenCmd.Flags().IntVarP(&keygenLength, "length", "l", audit.DefaultKeyLength, "Key length in characters")
}

// ============================================================================
// trailmark config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage config.yaml",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[trailmark] Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and environment overrides,
with paths resolved against the data directory. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}
		cfg.Resolve(dataDir)
		mask(&cfg.Index.Redis.Password)
		mask(&cfg.Ledger.S3.SecretAccessKey)

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config.yaml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
