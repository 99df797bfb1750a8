package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/mrds/internal/bundle"
	"github.com/kokistudios/mrds/internal/compliance"
	"github.com/kokistudios/mrds/internal/dataset"
	"github.com/kokistudios/mrds/internal/index"
	"github.com/kokistudios/mrds/internal/report"
	"github.com/kokistudios/mrds/internal/store"
	"github.com/kokistudios/mrds/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:   "mrds",
		Short: "mrds — MR dataset indexer",
		Long:  "Index MR acquisitions into a Project → Modality → Subject → Session → Run tree, track reference protocols, and report non-compliant runs.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
			ui.SetVerbose(verbose)
		},
		SilenceUsage: true,
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "dataset", Title: "Dataset Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{initCmd(), doctorCmd(), indexCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{listCmd(), showCmd(), checkCmd(), reportCmd(), mergeCmd(), exportCmd(), importCmd(), removeCmd()} {
		c.GroupID = "dataset"
		rootCmd.AddCommand(c)
	}
	configC := configCmd()
	configC.GroupID = "config"
	rootCmd.AddCommand(configC)
	rootCmd.AddCommand(completionCmd())

	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize MRDS_HOME directory structure",
		Long:    "Create the MRDS_HOME directory (~/.mrdataset by default) with logs/ and config.yaml. Run this once before using any other mrds commands.",
		Example: "  mrds init\n  mrds init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.Success("mrds initialized")
			ui.Detail("Home:", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize even if MRDS_HOME already exists")
	return cmd
}

func loadStore() (*store.Store, error) {
	s, err := store.Load(store.Home())
	if err != nil {
		return nil, fmt.Errorf("mrds not initialized — run 'mrds init' first: %w", err)
	}
	return s, nil
}

func loadDataset(s *store.Store, name string) (*dataset.Project, error) {
	p, err := store.LoadSnapshot(store.SnapshotPath(s.Home, name), ui.Logger)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("no dataset named %q (see 'mrds list'): %w", name, err)
	}
	return p, err
}

func indexCmd() *cobra.Command {
	var (
		name, style     string
		reindex, noSave bool
		partial, notify bool
	)
	cmd := &cobra.Command{
		Use:   "index <data_root>...",
		Short: "Index one or more data roots into a dataset",
		Long: `Walk every data root, resolve each folder holding enough matching files
into a single run, and build the dataset tree. Unreadable files and folders
are logged and skipped; a data root that cannot be walked aborts the index.

When a snapshot with the same name exists it is loaded instead, unless
--reindex is given. Logs are also written to MRDS_HOME/logs.`,
		Example: `  mrds index /data/study --name study
  mrds index /data/site-a /data/site-b --name multisite --reindex
  mrds index /data/batch2 --name study-b2 --partial`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if name == "" {
				name = store.RandomName()
				ui.Warning(fmt.Sprintf("No dataset name given, using %s", ui.Bold(name)))
			}

			snapPath := store.SnapshotPath(s.Home, name)
			if !reindex {
				if _, err := os.Stat(snapPath); err == nil {
					p, err := store.LoadSnapshot(snapPath, ui.Logger)
					if err != nil {
						return err
					}
					ui.Info(fmt.Sprintf("Loaded cached dataset %s (use --reindex to rebuild)", ui.Bold(name)))
					printSummary(p)
					return nil
				}
			}

			closeLog, err := ui.TeeLog(s.LogFile(name, time.Now()))
			if err != nil {
				return err
			}
			defer closeLog()

			if style == "" {
				style = s.Config.Index.Style
			}
			cfg := s.Config
			spin := ui.NewSpinner(fmt.Sprintf("Indexing %s", strings.Join(args, ", ")))
			a, err := index.New(index.Options{
				Name:           name,
				Style:          style,
				DataRoot:       args,
				MetadataRoot:   s.Home,
				Pattern:        cfg.Index.Pattern,
				MinCount:       cfg.Index.MinCount,
				UseEchoNumbers: cfg.Index.UseEchoNumbers,
				MaxDivergent:   cfg.Index.MaxDivergent,
				Include:        cfg.Include,
				Partial:        partial,
				Logger:         ui.Logger,
				Progress: func(folder string) {
					spin.Update(fmt.Sprintf("Indexing %s", folder))
				},
			})
			if err != nil {
				spin.Stop()
				return err
			}

			start := time.Now()
			stats, err := a.Load()
			spin.Stop()
			if err != nil {
				return err
			}

			p := a.Project()
			ui.Success(fmt.Sprintf("Indexed %d run(s) from %d folder(s) in %s",
				stats.Runs, stats.Folders, time.Since(start).Round(time.Millisecond)))
			if stats.Skipped > 0 {
				ui.Warning(fmt.Sprintf("%d folder(s) skipped, see the log for details", stats.Skipped))
			}

			if !noSave {
				path, err := store.SaveSnapshot(s.Home, p)
				switch {
				case errors.Is(err, store.ErrEmptyDataset):
					ui.Warning("Nothing indexed, snapshot not saved")
				case err != nil:
					return err
				default:
					ui.Detail("Saved:", path)
				}
			}
			printSummary(p)

			if notify {
				ui.Notify("mrds", fmt.Sprintf("Indexed %s: %d run(s)", name, stats.Runs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Dataset name (random if omitted)")
	cmd.Flags().StringVar(&style, "style", "", fmt.Sprintf("Dataset style (%s; default from config)", strings.Join(index.Styles(), ", ")))
	cmd.Flags().BoolVar(&reindex, "reindex", false, "Rebuild even if a snapshot exists")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not write the snapshot")
	cmd.Flags().BoolVar(&partial, "partial", false, "Mark the dataset as partial, to be merged later")
	cmd.Flags().BoolVar(&notify, "notify", false, "Send a desktop notification when done")
	return cmd
}

func printSummary(p *dataset.Project) {
	ui.SectionHeader(p.Name())
	ui.KeyValue("Style:     ", p.Style)
	if p.IsComplete {
		ui.KeyValue("Dataset:   ", ui.Green("complete"))
	} else {
		ui.KeyValue("Dataset:   ", ui.Yellow("partial"))
	}
	ui.KeyValue("Data roots:", ui.Dim(strings.Join(p.DataRoot, ", ")))
	if p.Len() == 0 {
		ui.EmptyState("No modalities indexed.")
		return
	}
	fmt.Fprintln(os.Stderr)

	var rows [][]string
	for _, mod := range p.Modalities() {
		runs := 0
		multi := false
		for _, sub := range mod.Subjects() {
			for _, sess := range sub.Sessions() {
				for _, run := range sess.Runs() {
					runs++
					multi = multi || run.IsMultiEcho()
				}
			}
		}
		echo := "single"
		if multi {
			echo = "multi"
		}
		rows = append(rows, []string{mod.Name(), fmt.Sprint(mod.Len()), fmt.Sprint(runs), echo})
	}
	ui.Table([]string{"MODALITY", "SUBJECTS", "RUNS", "ECHO"}, rows)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			names, err := store.ListSnapshots(s.Home)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				ui.EmptyState("No datasets saved. Use 'mrds index <data_root> --name <name>' to create one.")
				return nil
			}
			var rows [][]string
			for _, name := range names {
				p, err := store.LoadSnapshot(store.SnapshotPath(s.Home, name), nil)
				if err != nil {
					rows = append(rows, []string{name, "-", "-", ui.Red("unreadable")})
					continue
				}
				state := ui.Green("complete")
				if !p.IsComplete {
					state = ui.Yellow("partial")
				}
				rows = append(rows, []string{name, p.Style, fmt.Sprint(p.Len()), state})
			}
			ui.Table([]string{"NAME", "STYLE", "MODALITIES", "STATE"}, rows)
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	var tree bool
	cmd := &cobra.Command{
		Use:     "show <name>",
		Short:   "Show a dataset summary or its full tree",
		Example: "  mrds show study\n  mrds show study --tree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			p, err := loadDataset(s, args[0])
			if err != nil {
				return err
			}
			if tree {
				dataset.FprintTree(os.Stdout, p)
				return nil
			}
			printSummary(p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&tree, "tree", false, "Print the whole acquisition tree")
	return cmd
}

func checkCmd() *cobra.Command {
	var noSave bool
	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Check every run against its modality's reference protocol",
		Long: `Compare the parameters of every run with the reference protocol of its
modality and echo time. Modalities without a reference get one by majority
vote over their runs. Results are saved with the dataset and rendered as a
report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			p, err := loadDataset(s, args[0])
			if err != nil {
				return err
			}

			sum, err := compliance.New(ui.Logger).Check(p)
			if err != nil {
				return err
			}
			for _, name := range sum.Inferred {
				ui.Info(fmt.Sprintf("Inferred reference for %s by majority vote", ui.Bold(name)))
			}
			if sum.Malformed > 0 {
				ui.Warning(fmt.Sprintf("%d malformed run(s) skipped", sum.Malformed))
			}

			if !noSave {
				if _, err := store.SaveSnapshot(s.Home, p); err != nil {
					return err
				}
			}

			md, err := report.Markdown(p)
			if err != nil {
				return err
			}
			ui.RenderMarkdown(md)

			if len(sum.NonCompliant) == 0 {
				ui.Success(fmt.Sprintf("All %d modalities compliant", sum.Modalities))
			} else {
				ui.Warning(fmt.Sprintf("%d of %d modalities non-compliant", len(sum.NonCompliant), sum.Modalities))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not write the results back to the snapshot")
	return cmd
}

func reportCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "report <name>",
		Short: "Render the compliance report of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			p, err := loadDataset(s, args[0])
			if err != nil {
				return err
			}
			md, err := report.Markdown(p)
			if err != nil {
				return err
			}
			if raw {
				fmt.Print(md)
				return nil
			}
			ui.RenderMarkdown(md)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print plain Markdown to stdout")
	return cmd
}

func mergeCmd() *cobra.Command {
	var (
		into         string
		allowOverlap bool
		yes          bool
	)
	cmd := &cobra.Command{
		Use:   "merge <name> <other>",
		Short: "Merge two partial datasets of the same style",
		Long: `Fold <other> into <name> at the subject level. Modalities missing from
<name> are copied whole; shared modalities receive the subjects of <other>.

Subjects present in both datasets are refused unless --allow-overlap is
given or the overwrite is confirmed interactively. The result is saved as
<name>, or as --into when given, and is marked partial.`,
		Example: `  mrds merge site-a site-b --into multisite
  mrds merge study study-b2 --allow-overlap --yes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			p, err := loadDataset(s, args[0])
			if err != nil {
				return err
			}
			other, err := loadDataset(s, args[1])
			if err != nil {
				return err
			}

			var opts []dataset.MergeOption
			if overlap := p.Overlap(other); len(overlap) > 0 {
				ui.Warning(fmt.Sprintf("%d subject(s) exist in both datasets:", len(overlap)))
				for _, o := range overlap {
					ui.Detail("", o)
				}
				if !allowOverlap && !yes {
					proceed, err := ui.Confirm(fmt.Sprintf("Overwrite them with the copies from %s?", other.Name()))
					if err != nil {
						return err
					}
					allowOverlap = proceed
				}
				if allowOverlap || yes {
					opts = append(opts, dataset.AllowOverlap())
				}
			}

			if err := p.Merge(other, opts...); err != nil {
				return err
			}
			if into != "" {
				p.Rename(into)
			}
			path, err := store.SaveSnapshot(s.Home, p)
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Merged %s into %s", other.Name(), p.Name()))
			ui.Detail("Saved:", path)
			printSummary(p)
			return nil
		},
	}
	cmd.Flags().StringVar(&into, "into", "", "Save the merged dataset under a new name")
	cmd.Flags().BoolVar(&allowOverlap, "allow-overlap", false, "Overwrite subjects present in both datasets")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not prompt before overwriting subjects")
	return cmd
}

func exportCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Export a dataset to a portable .mrdsb bundle",
		Long: `Export a dataset snapshot and its index logs to a portable bundle that
can be imported into another MRDS_HOME.`,
		Example: `  mrds export study
  mrds export study -o ~/Desktop/study.mrdsb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			ui.Status(fmt.Sprintf("Exporting dataset %s...", args[0]))
			outPath, err := bundle.Export(s, args[0], outputPath)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			sizeStr := ""
			if info, err := os.Stat(outPath); err == nil {
				sizeStr = fmt.Sprintf(" (%d bytes)", info.Size())
			}
			ui.Success(fmt.Sprintf("Exported to %s%s", outPath, sizeStr))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: <name>.mrdsb)")
	return cmd
}

func importCmd() *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "import <bundle-path>",
		Short: "Import a dataset from a .mrdsb bundle",
		Example: `  mrds import study.mrdsb
  mrds import ~/Downloads/site-b.mrdsb --preview`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundlePath := args[0]

			if preview {
				manifest, err := bundle.ReadManifest(bundlePath)
				if err != nil {
					return fmt.Errorf("failed to read bundle: %w", err)
				}
				ui.CommandBanner("IMPORT PREVIEW", bundlePath)
				ui.KeyValue("Dataset:     ", manifest.Dataset)
				ui.KeyValue("Style:       ", manifest.Style)
				ui.KeyValue("Complete:    ", fmt.Sprint(manifest.IsComplete))
				ui.KeyValue("Exported at: ", manifest.ExportedAt.Format("2006-01-02 15:04:05"))
				ui.KeyValue("Modalities:  ", strings.Join(manifest.Modalities, ", "))
				ui.KeyValue("Files:       ", fmt.Sprintf("%d", len(manifest.Files)))
				ui.Info("Use 'mrds import' without --preview to import this dataset.")
				return nil
			}

			s, err := loadStore()
			if err != nil {
				return err
			}
			ui.Status(fmt.Sprintf("Importing from %s...", bundlePath))
			result, err := bundle.Import(s, bundlePath)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			ui.Success(fmt.Sprintf("Imported dataset %s", result.Dataset))
			ui.KeyValue("Files imported:", fmt.Sprintf("%d", result.FilesImported))
			return nil
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Preview bundle contents without importing")
	return cmd
}

func removeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a saved dataset and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			path := store.SnapshotPath(s.Home, args[0])
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no dataset named %q: %w", args[0], store.ErrSnapshotNotFound)
			}
			if !yes {
				proceed, err := ui.Confirm(fmt.Sprintf("Remove dataset %s?", args[0]))
				if err != nil {
					return err
				}
				if !proceed {
					ui.Info("Cancelled.")
					return nil
				}
			}
			if err := os.Remove(path); err != nil {
				return err
			}
			logs, _ := filepath.Glob(s.Path("logs", args[0]+"_*.log"))
			for _, l := range logs {
				if err := os.Remove(l); err != nil {
					ui.Warning(fmt.Sprintf("Failed to remove %s: %v", l, err))
				}
			}
			ui.Success(fmt.Sprintf("Removed dataset %s", args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not prompt")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit mrds configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set an mrds configuration value. Valid keys: index.style, index.pattern, index.min_count, index.use_echo_numbers, index.max_divergent, include.phantom, include.moco, include.sbref, include.derived.",
		Example: `  mrds config set index.pattern "*.dcm"
  mrds config set index.use_echo_numbers true
  mrds config set include.sbref true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of MRDS_HOME and saved datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if _, err := store.Load(home); err != nil {
				return fmt.Errorf("mrds not initialized — run 'mrds init' first: %w", err)
			}

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := store.FixIssues(home)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			issues := store.CheckHealth(home)
			issues = append(issues, store.CheckSnapshotIntegrity(home)...)

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Recreate missing directories and config")
	return cmd
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Long:      "Generate shell completion scripts for bash, zsh, or fish. Output the script to stdout for sourcing in your shell profile.",
		Example:   "  mrds completion bash > ~/.bashrc.d/mrds\n  mrds completion zsh > ~/.zfunc/_mrds\n  mrds completion fish > ~/.config/fish/completions/mrds.fish",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}
