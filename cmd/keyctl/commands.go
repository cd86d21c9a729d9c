package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/fieldcrypt/internal/app"
	"github.com/kenneth/fieldcrypt/internal/config"
	"github.com/kenneth/fieldcrypt/internal/crypto"
	"github.com/kenneth/fieldcrypt/internal/keystore"
)

type globalOptions struct {
	configPath string
	output     string
	logLevel   string
}

// open loads the config and wires the service without background reloads.
func (o *globalOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.KeyStore.File.Watch = false
	cfg.KeyStore.S3.RefreshInterval = 0
	cfg.Metrics.Enabled = false

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	if level, err := logrus.ParseLevel(o.logLevel); err == nil {
		logger.SetLevel(level)
	}

	return app.New(cmd.Context(), cfg, logger,
		app.WithRegistry(prometheus.NewRegistry()),
		app.WithAuditOutput(cmd.ErrOrStderr()),
	)
}

func (o *globalOptions) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// input returns the first argument, or stdin without a trailing newline.
func input(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

func encryptCmd(opts *globalOptions) *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Encrypt a value and print its envelope",
		Long:  "Encrypt the argument, or stdin when no argument is given, with --key or the current encryption key.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := input(cmd, args)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var key *crypto.CryptoKey
			if keyID == "" {
				key, err = a.Keys.CurrentEncryptionKey(ctx)
			} else {
				key, err = a.Keys.GetByID(ctx, keyID)
			}
			if err != nil {
				return err
			}
			envelope, err := a.Service.EncryptEnvelope(ctx, key, plaintext)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), map[string]string{"keyId": key.ID, "envelope": envelope})
			}
			fmt.Fprintln(cmd.OutOrStdout(), envelope)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key", "", "Key ID (defaults to the current encryption key)")
	return cmd
}

func decryptCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt [envelope]",
		Short: "Decrypt an envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envelope, err := input(cmd, args)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			plaintext, err := a.Service.Decrypt(cmd.Context(), string(envelope))
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), map[string][]byte{"plaintext": plaintext})
			}
			_, err = cmd.OutOrStdout().Write(append(plaintext, '\n'))
			return err
		},
	}
}

func hmacCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hmac value...",
		Short: "Compute HMACs of values with every current HMAC key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			keys, err := a.Keys.CurrentHmacKeys(ctx)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return fmt.Errorf("no current hmac keys")
			}
			holders := make([]*crypto.HmacHolder, 0, len(keys)*len(args))
			for _, k := range keys {
				for _, v := range args {
					holders = append(holders, &crypto.HmacHolder{Key: k, Value: []byte(v)})
				}
			}
			if err := a.Service.Hmac(ctx, holders); err != nil {
				return err
			}

			if opts.output == "json" {
				out := make(map[string][]string, len(keys))
				for _, h := range holders {
					out[h.Key.ID] = append(out[h.Key.ID], hex.EncodeToString(h.Hmac))
				}
				return opts.printJSON(cmd.OutOrStdout(), out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tVALUE\tHMAC")
			for _, h := range holders {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Key.ID, h.Value, hex.EncodeToString(h.Hmac))
			}
			return tw.Flush()
		},
	}
}

func keysCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List key descriptors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			keys, err := a.Keys.AllCryptoKeys(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), map[string]any{"keys": keys})
			}

			current := map[string]string{}
			if k, err := a.Keys.CurrentEncryptionKey(ctx); err == nil {
				current[k.ID] = "encryption"
			}
			if hk, err := a.Keys.CurrentHmacKeys(ctx); err == nil {
				for _, k := range hk {
					current[k.ID] = "hmac"
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tUSAGE\tCURRENT")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.ID, k.Type, k.Usage, current[k.ID])
			}
			return tw.Flush()
		},
	}
}

func importCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import catalog.yaml",
		Short: "Import a YAML key catalog into the SQL key store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading catalog: %w", err)
			}
			catalog, err := keystore.ParseCatalog(data)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, ok := a.Keys.(*keystore.SQLStore)
			if !ok {
				return fmt.Errorf("import requires key_store.type %q, configured %q", config.KeyStoreSQL, a.Config.KeyStore.Type)
			}
			if err := store.Import(cmd.Context(), catalog); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d key(s)\n", len(catalog.Keys))
			return nil
		},
	}
}

func genkeyCmd(opts *globalOptions) *cobra.Command {
	var bits int
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate random key material for a secret reference",
		Long:  "Print random key material in the base64: form accepted by the secret sources.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits <= 0 || bits%8 != 0 {
				return fmt.Errorf("--bits must be a positive multiple of 8")
			}
			raw := make([]byte, bits/8)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			defer clear(raw)
			secret := "base64:" + base64.StdEncoding.EncodeToString(raw)
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), map[string]any{"bits": bits, "secret": secret})
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 256, "Key size in bits")
	return cmd
}
