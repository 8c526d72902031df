// cmd/forge/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forge/internal/config"
	"forge/internal/content"
	"forge/internal/diff"
	"forge/internal/engine"
	"forge/internal/errors"
	"forge/internal/history"
	"forge/internal/importer"
	"forge/internal/logging"
	"forge/internal/snapshot"
)

var log = &logging.Logger{Logger: zap.NewNop()}

var (
	storePath  string
	inMemory   bool
	repoID     string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge is a repository history engine",
	Long: `Forge maintains commit histories, branch snapshots and diffs for
hosted repositories. Commits are immutable and single-parented; branches
are fast-forward pointers with a materialized file listing kept equal to
a full history replay.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.NewLogger(logLevel)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		log = l
		return nil
	},
}

func openEngine() (*engine.Engine, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return engine.NewFromConfig(cfg, log.WithRepo(repoID))
	}

	return engine.New(engine.Options{
		Path:     storePath,
		InMemory: inMemory,
		Content:  content.Options{},
	}, log.WithRepo(repoID))
}

// newBranchBase picks the commit a brand-new branch starts from: the
// primary branch's head when one exists, the repository root otherwise,
// and nothing for an empty repository (the commit becomes the root).
// The first branch of a repository becomes primary.
func newBranchBase(eng *engine.Engine, repo string) (parentID string, isPrimary bool, err error) {
	root, err := eng.RootFor(repo)
	if err != nil {
		if errors.Is(err, errors.KindEmptyRepository) {
			return "", true, nil
		}
		return "", false, err
	}

	branches, err := eng.Snapshots.Branches(repo)
	if err != nil {
		return "", false, err
	}
	parentID = root.ID
	for _, b := range branches {
		if b.IsPrimary {
			parentID = b.CommitID
		}
	}
	return parentID, len(branches) == 0, nil
}

func resolveBranch(eng *engine.Engine, name string) (*snapshot.Branch, error) {
	branch, err := eng.Snapshots.FindBranch(repoID, name)
	if err != nil {
		return nil, fmt.Errorf("resolving branch %q: %w", name, err)
	}
	return branch, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides store flags)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", ".forge/db", "store directory")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "memory", false, "run the store in memory")
	rootCmd.PersistentFlags().StringVar(&repoID, "repo", "default", "repository id")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new store",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return fmt.Errorf("initializing store: %w", err)
			}
			defer eng.Close()

			fmt.Println("Initialized forge store in", storePath)
			return nil
		},
	}

	var branchName, authorID, message string

	var commitCmd = &cobra.Command{
		Use:   "commit [dir]",
		Short: "Commit a directory tree to a branch",
		Long:  `Imports every file under the directory as one commit and fast-forwards the branch to it. Creates the branch when the repository is empty.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			files, err := importer.ImportDir(args[0])
			if err != nil {
				return fmt.Errorf("importing directory: %w", err)
			}

			ctx := cmd.Context()
			branch, err := eng.Snapshots.FindBranch(repoID, branchName)
			switch {
			case err == nil:
				commit, _, err := eng.Commit(ctx, engine.CommitOptions{
					BranchID: branch.ID,
					AuthorID: authorID,
					Message:  message,
					Files:    files,
				})
				if err != nil {
					return fmt.Errorf("committing: %w", err)
				}
				fmt.Printf("[%s] %s\n", branchName, commit.ID)
			case errors.Is(err, errors.KindNotFound):
				parentID, isPrimary, err := newBranchBase(eng, repoID)
				if err != nil {
					return err
				}
				commit, err := eng.Append(ctx, history.AppendRequest{
					RepoID:   repoID,
					AuthorID: authorID,
					ParentID: parentID,
					Message:  message,
					Files:    files,
				})
				if err != nil {
					return fmt.Errorf("appending commit: %w", err)
				}
				if _, err := eng.CreateBranch(ctx, repoID, branchName, commit.ID, isPrimary); err != nil {
					return fmt.Errorf("creating branch: %w", err)
				}
				fmt.Printf("[%s (new branch)] %s\n", branchName, commit.ID)
			default:
				return err
			}
			return nil
		},
	}
	commitCmd.Flags().StringVar(&branchName, "branch", "main", "branch name")
	commitCmd.Flags().StringVar(&authorID, "author", "", "author id")
	commitCmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	commitCmd.MarkFlagRequired("author")

	var branchesCmd = &cobra.Command{
		Use:   "branches",
		Short: "List the repository's branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			branches, err := eng.Snapshots.Branches(repoID)
			if err != nil {
				return err
			}
			count, err := eng.CommitCount(repoID)
			if err != nil {
				return err
			}
			fmt.Printf("%d branch(es), %d commit(s)\n", len(branches), count)
			for _, b := range branches {
				marker := " "
				if b.IsPrimary {
					marker = "*"
				}
				fmt.Printf("%s %s -> %s\n", marker, color.GreenString(b.Name), b.CommitID)
			}
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show a branch's commit history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			branch, err := resolveBranch(eng, branchName)
			if err != nil {
				return err
			}

			walk, err := eng.Ancestors(branch.CommitID)
			if err != nil {
				return err
			}
			for {
				commit, err := walk.Next()
				if err != nil {
					return err
				}
				if commit == nil {
					return nil
				}
				marker := ""
				if children, err := eng.Children(commit.ID); err == nil && len(children) > 1 {
					marker = " (branch point)"
				}
				fmt.Printf("%s %s %s %s%s\n",
					color.YellowString(commit.ID),
					commit.CreatedAt.Format(time.RFC3339),
					commit.AuthorID,
					commit.Message,
					marker,
				)
			}
		},
	}
	logCmd.Flags().StringVar(&branchName, "branch", "main", "branch name")

	var filesCmd = &cobra.Command{
		Use:   "files",
		Short: "List all files visible on a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			branch, err := resolveBranch(eng, branchName)
			if err != nil {
				return err
			}

			snap, err := eng.BranchFiles(cmd.Context(), branch.ID)
			if err != nil {
				return err
			}
			for _, name := range sortedNames(snap.Files) {
				fmt.Println(name)
			}
			return nil
		},
	}
	filesCmd.Flags().StringVar(&branchName, "branch", "main", "branch name")

	var showUnchanged bool
	var diffCmd = &cobra.Command{
		Use:   "diff [left-commit] [right-commit]",
		Short: "Show file changes between two commits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			changes, err := eng.Diff(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !showUnchanged {
				changes = diff.Changed(changes)
			}

			for _, c := range changes {
				switch c.Kind {
				case diff.Added:
					color.Green("A  %s", c.Name)
				case diff.Removed:
					color.Red("D  %s", c.Name)
				case diff.Modified:
					color.Yellow("M  %s", c.Name)
					fmt.Println(diff.Unified(c))
				case diff.Unchanged:
					fmt.Printf("   %s\n", c.Name)
				}
			}
			return nil
		},
	}
	diffCmd.Flags().BoolVar(&showUnchanged, "unchanged", false, "include unchanged files")

	var verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check a branch snapshot against a full history replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.VerifyForest(cmd.Context(), repoID); err != nil {
				return fmt.Errorf("forest check: %w", err)
			}

			branch, err := resolveBranch(eng, branchName)
			if err != nil {
				return err
			}

			mismatched, err := eng.Verify(cmd.Context(), branch.ID)
			if err != nil {
				return err
			}
			if len(mismatched) == 0 {
				color.Green("snapshot matches full replay")
				return nil
			}
			for _, name := range mismatched {
				color.Red("mismatch: %s", name)
			}
			return fmt.Errorf("snapshot diverged on %d file(s)", len(mismatched))
		},
	}
	verifyCmd.Flags().StringVar(&branchName, "branch", "main", "branch name")

	var interval time.Duration
	var watchCmd = &cobra.Command{
		Use:   "watch [dir]",
		Short: "Watch a directory and commit changes periodically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			branch, err := resolveBranch(eng, branchName)
			if err != nil {
				return err
			}

			watcher, err := importer.NewWatcher(args[0], eng, branch.ID, authorID, log.WithBranch(repoID, branch.ID))
			if err != nil {
				return err
			}
			defer watcher.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Printf("watching %s, flushing to %s every %s\n", args[0], branchName, interval)
			for {
				select {
				case <-ctx.Done():
					_, err := watcher.Flush(context.Background(), "final flush")
					return err
				case <-ticker.C:
					commit, err := watcher.Flush(ctx, "auto flush")
					if err != nil {
						log.Error("flush failed", zap.Error(err))
						continue
					}
					if commit != nil {
						fmt.Printf("[%s] %s\n", branchName, commit.ID)
					}
				}
			}
		},
	}
	watchCmd.Flags().StringVar(&branchName, "branch", "main", "branch name")
	watchCmd.Flags().StringVar(&authorID, "author", "", "author id")
	watchCmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "flush interval")
	watchCmd.MarkFlagRequired("author")

	rootCmd.AddCommand(initCmd, commitCmd, branchesCmd, logCmd, filesCmd, diffCmd, verifyCmd, watchCmd)
}

func sortedNames(files map[string]history.File) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
