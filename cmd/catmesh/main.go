// SPDX-FileCopyrightText: Copyright (C) 2026 The catmesh authors
// SPDX-License-Identifier: AGPL-3.0-only

// catmesh is the command line companion for account maintenance:
// recovery phrase handling, backup restore, and config validation.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/catmesh/catmesh/config"
	"github.com/catmesh/catmesh/identity"
	"github.com/catmesh/catmesh/recovery"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "catmesh",
		Short:        "catmesh account maintenance tool",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(phraseCmd(), identityCmd(), backupCmd(), configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func phraseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phrase",
		Short: "Recovery phrase operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a fresh recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase, err := identity.NewMnemonic()
			if err != nil {
				return err
			}
			fmt.Println(phrase)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check [words...]",
		Short: "Check a recovery phrase for validity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase := strings.Join(args, " ")
			if !identity.ValidateMnemonic(phrase) {
				return errors.New("phrase is not valid")
			}
			fmt.Println("phrase ok")
			return nil
		},
	})
	return cmd
}

func identityCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Device identity operations",
	}
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a recovery phrase and an unregistered device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase, err := identity.NewMnemonic()
			if err != nil {
				return err
			}
			keys, err := identity.DeriveRecoveryKeys(phrase)
			if err != nil {
				return err
			}
			defer keys.Wipe()
			id, err := identity.NewIdentity(displayName, keys)
			if err != nil {
				return err
			}
			fmt.Printf("recovery phrase: %s\n", phrase)
			fmt.Printf("device uuid: %s\n", id.DeviceUUID)
			fmt.Printf("signing public key: %x\n", id.SigningPublicKey())
			return nil
		},
	}
	newCmd.Flags().StringVar(&displayName, "display-name", "", "human readable device label")
	cmd.AddCommand(newCmd)
	return cmd
}

func backupCmd() *cobra.Command {
	var phrase, in, out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup operations",
	}
	export := &cobra.Command{
		Use:   "export",
		Short: "Encrypt a file to the recovery key derived from the phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := identity.DeriveRecoveryKeys(phrase)
			if err != nil {
				return err
			}
			dhPublic := keys.DHPublicBytes()
			keys.Wipe()
			plaintext, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			blob, err := recovery.Export(dhPublic, plaintext)
			if err != nil {
				return err
			}
			return os.WriteFile(out, blob, 0600)
		},
	}
	export.Flags().StringVar(&phrase, "phrase", "", "recovery phrase")
	export.Flags().StringVar(&in, "in", "", "plaintext input file")
	export.Flags().StringVar(&out, "out", "", "output blob file")
	export.MarkFlagRequired("phrase")
	export.MarkFlagRequired("in")
	export.MarkFlagRequired("out")
	cmd.AddCommand(export)
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Decrypt a backup blob with the recovery phrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			plaintext, err := recovery.Restore(phrase, blob)
			if err != nil {
				return err
			}
			return os.WriteFile(out, plaintext, 0600)
		},
	}
	restore.Flags().StringVar(&phrase, "phrase", "", "recovery phrase")
	restore.Flags().StringVar(&in, "in", "", "backup blob file")
	restore.Flags().StringVar(&out, "out", "", "output file")
	restore.MarkFlagRequired("phrase")
	restore.MarkFlagRequired("in")
	restore.MarkFlagRequired("out")
	cmd.AddCommand(restore)
	return cmd
}

func configCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration operations",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFile(file); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	check.Flags().StringVarP(&file, "config", "f", "catmesh.toml", "configuration file")
	cmd.AddCommand(check)
	return cmd
}
