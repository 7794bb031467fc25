package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"europa/internal/client"
	"europa/internal/envelope"
	"europa/internal/logging"
)

const passphraseEnv = "EUROPA_PASSPHRASE"

var errFileExists = errors.New("file already exists")

type options struct {
	server     string
	passphrase string
	verbose    bool
	parallel   int
}

func newRootCmd(stderr io.Writer) *cobra.Command {
	opts := &options{}
	var log *slog.Logger

	root := &cobra.Command{
		Use:           "europa",
		Short:         "Send and receive end-to-end encrypted files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			log = logging.New(stderr, "text", level)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "backend base URL")
	pf.StringVarP(&opts.passphrase, "passphrase", "p", "", "passphrase (default $"+passphraseEnv+")")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	pf.IntVar(&opts.parallel, "parallel", client.DefaultParallel, "chunks uploaded at once")

	newClient := func() *client.Client {
		return client.New(opts.server, client.Options{Parallel: opts.parallel, RetryCount: 3}, log)
	}

	root.AddCommand(sendCmd(opts, newClient), fetchCmd(opts, newClient))
	return root
}

func sendCmd(opts *options, newClient func() *client.Client) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Encrypt and upload files, print the share link",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass := passphrase(opts)
			if pass == "" {
				return client.ErrNoPassword
			}
			files, err := readFiles(args)
			if err != nil {
				return err
			}

			sent, err := newClient().Send(cmd.Context(), client.SendRequest{
				Passphrase: pass,
				Files:      files,
				Retention:  days,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, sent.ShareLink)
			fmt.Fprintf(out, "expires %s (%s)\n",
				sent.ExpiresAt.Local().Format("2006-01-02 15:04"), humanize.Time(sent.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 3, "retention in days: 1, 3 or 7")
	return cmd
}

func fetchCmd(opts *options, newClient func() *client.Client) *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "fetch LINK",
		Short: "Download and decrypt a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			got, err := newClient().Fetch(cmd.Context(), args[0], passphrase(opts))
			if err != nil {
				return err
			}
			paths, err := writeFiles(dir, got.Files, force)
			if err != nil {
				return err
			}
			for i, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", p, humanize.Bytes(uint64(len(got.Files[i].Data))))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "out", "o", ".", "directory to write into")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	return cmd
}

func passphrase(opts *options) string {
	if opts.passphrase != "" {
		return opts.passphrase
	}
	return os.Getenv(passphraseEnv)
}

func readFiles(paths []string) ([]envelope.File, error) {
	files := make([]envelope.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, envelope.File{Name: filepath.Base(p), Data: data})
	}
	return files, nil
}

// writeFiles stores files under dir. Names are reduced to base names so an
// archive cannot write outside dir.
func writeFiles(dir string, files []envelope.File, force bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := filepath.Join(dir, envelope.SanitizeFileName(f.Name))
		fh, err := os.OpenFile(p, flags, 0o600)
		if errors.Is(err, os.ErrExist) {
			return paths, fmt.Errorf("%s: %w", p, errFileExists)
		}
		if err != nil {
			return paths, err
		}
		_, err = fh.Write(f.Data)
		if cerr := fh.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
