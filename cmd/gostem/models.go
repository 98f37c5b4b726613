package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gostem/internal/model"
	"github.com/chaz8081/gostem/internal/repo"
)

// signedPrefix is the number of checksum hex digits put in signed names.
const signedPrefix = 8

func newModelsCmd(a *app) *cobra.Command {
	var repoDir string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, verify and sign repository models",
	}
	cmd.PersistentFlags().StringVar(&repoDir, "repo", "", "local directory holding models and bags")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List single models and bags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd.Context(), a.cfg, repoDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, sig := range r.Models().Signatures() {
				fmt.Fprintln(out, sig)
			}
			if r.Bags() == nil {
				return nil
			}
			for _, name := range r.Bags().Names() {
				m, err := r.Bags().Manifest(name)
				if err != nil {
					fmt.Fprintf(out, "%s\t(bag, invalid: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%s\t(bag: %s)\n", name, strings.Join(m.Models, ", "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <name>...",
		Short: "Load models or bags and check their checksums",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo(cmd.Context(), a.cfg, repoDir)
			if err != nil {
				return err
			}
			failed := 0
			for _, name := range args {
				m, err := r.Get(cmd.Context(), name)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tFAIL\t%v\n", name, err)
					continue
				}
				d := m.Descriptor()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\t%s @ %d Hz\n", name, strings.Join(d.Sources, ","), d.SampleRate)
				if c, ok := m.(interface{ Close() error }); ok {
					c.Close()
				}
			}
			if failed > 0 {
				return errors.Newf("%d of %d models failed verification", failed, len(args))
			}
			return nil
		},
	})

	var signature string
	sign := &cobra.Command{
		Use:   "sign <file.model>",
		Short: "Rename a weight file to <signature>-<checksum>.model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := repo.ParseAlgorithm(a.cfg.Models.Checksum)
			if err != nil {
				return err
			}
			dest, err := signModel(args[0], signature, alg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	sign.Flags().StringVar(&signature, "signature", "", "model signature (default: file name without extension)")
	cmd.AddCommand(sign)

	return cmd
}

// signModel checks that path holds a loadable model and renames it so its
// name carries sig and a checksum prefix.
func signModel(path, sig string, alg repo.Algorithm) (string, error) {
	if sig == "" {
		sig, _, _ = strings.Cut(strings.TrimSuffix(filepath.Base(path), model.Ext), "-")
	}
	if sig == "" || strings.Contains(sig, "-") {
		return "", errors.Newf("invalid signature %q", sig)
	}
	m, err := model.LoadFile(path, sig, "")
	if err != nil {
		return "", err
	}
	m.Close()
	sum, err := alg.SumFile(path)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(filepath.Dir(path), sig+"-"+sum[:signedPrefix]+model.Ext)
	if dest == path {
		return dest, nil
	}
	if err := os.Rename(path, dest); err != nil {
		return "", errors.Wrap(err, "renaming weight file")
	}
	return dest, nil
}
