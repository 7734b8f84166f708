package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"commhub/internal/domain"
	"commhub/internal/ingest"
	"commhub/internal/signature"
)

// readPayload reads a file, or stdin for "-".
func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func ingestCmd() *cobra.Command {
	var (
		providerID string
		format     string
		channel    string
		retry      bool
		media      bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Run saved webhook payloads through the pipeline",
		Long: `Each file holds one raw provider payload exactly as the provider posted it
("-" reads stdin). Several files are ingested as a batch. Signatures are not
checked; use 'commhub verify' for that.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			pc, err := lookupProvider(cfg, providerID)
			if err != nil {
				return err
			}

			raws := make([]domain.RawProviderMessage, 0, len(args))
			for _, path := range args {
				payload, err := readPayload(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				raws = append(raws, domain.RawProviderMessage{
					ProviderID:    providerID,
					ProviderType:  pc.Type,
					Channel:       domain.Channel(channel),
					Payload:       payload,
					PayloadFormat: domain.PayloadFormat(format),
					ReceivedAt:    time.Now(),
				})
			}

			a, err := newApp(cfg, logger, media)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			opts := pipelineOptions(cfg)
			var results []domain.IngestionResult
			switch {
			case len(raws) == 1 && retry:
				results = []domain.IngestionResult{a.pipeline.RetryFailedMessage(ctx, raws[0], opts, retryOptions(cfg))}
			case len(raws) == 1:
				results = []domain.IngestionResult{a.pipeline.ProcessMessage(ctx, raws[0], opts)}
			default:
				results = a.pipeline.ProcessMessageBatch(ctx, raws, opts)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}

			sum := ingest.Summarize(results)
			fmt.Fprintf(os.Stderr, "%s ingested, %s duplicate, %s failed\n",
				humanize.Comma(int64(sum.Success)), humanize.Comma(int64(sum.Duplicate)), humanize.Comma(int64(sum.Failed)))
			if sum.Failed > 0 {
				return fmt.Errorf("%d message(s) failed", sum.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "provider id from config (required)")
	cmd.Flags().StringVar(&format, "format", "", "payload format: json | form (sniffed when empty)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel hint, e.g. sms or whatsapp")
	cmd.Flags().BoolVar(&retry, "retry", false, "retry persistence failures with backoff (single file only)")
	cmd.Flags().BoolVar(&media, "resolve-media", false, "resolve attachment URLs through the provider")
	cmd.MarkFlagRequired("provider")
	return cmd
}

// parseHeaders turns "Name: value" strings into a header set.
func parseHeaders(values []string) (http.Header, error) {
	h := make(http.Header)
	for _, v := range values {
		name, val, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", v)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(val))
	}
	return h, nil
}

func verifyCmd() *cobra.Command {
	var (
		providerID string
		headers    []string
	)
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a saved payload's signature against a provider's secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			pc, err := lookupProvider(cfg, providerID)
			if err != nil {
				return err
			}
			kind, err := signatureKind(pc)
			if err != nil {
				return err
			}
			if kind == "" {
				return fmt.Errorf("provider %q has signature verification disabled", providerID)
			}
			body, err := readPayload(args[0])
			if err != nil {
				return err
			}
			h, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			res, err := signature.NewVerifier().Verify(kind, body, h, secretConfig(providerID, pc), cfg.WebhookURL(providerID))
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(data))
			if !res.Valid {
				return fmt.Errorf("signature rejected: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "provider id from config (required)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `request header, e.g. "X-Twilio-Signature: abc=" (repeatable)`)
	cmd.MarkFlagRequired("provider")
	return cmd
}

func signCmd() *cobra.Command {
	var (
		providerID string
		timestamp  int64
	)
	cmd := &cobra.Command{
		Use:   "sign <file>",
		Short: "Print the headers a provider would send for a payload",
		Long:  "Useful for replaying payloads against a running receiver with curl.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			pc, err := lookupProvider(cfg, providerID)
			if err != nil {
				return err
			}
			kind, err := signatureKind(pc)
			if err != nil {
				return err
			}
			if kind == "" {
				return fmt.Errorf("provider %q has signature verification disabled", providerID)
			}
			body, err := readPayload(args[0])
			if err != nil {
				return err
			}

			sc := signature.SignContext{WebhookURL: cfg.WebhookURL(providerID)}
			if timestamp > 0 {
				sc.Timestamp = time.Unix(timestamp, 0)
			}
			h, err := signature.SignedHeaders(kind, body, secretConfig(providerID, pc), sc)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(h))
			for name := range h {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s: %s\n", name, h.Get(name))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "provider id from config (required)")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "unix timestamp to sign with (slack; default now)")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func archiveCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive conversations with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if hours <= 0 {
				hours = cfg.Maintenance.ArchiveAfterHours
			}

			a, err := newApp(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.pipeline.Grouper().ArchiveInactiveConversations(context.Background(), hours)
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
			fmt.Printf("archived %s conversation(s) idle since %s\n", humanize.Comma(int64(n)), humanize.Time(cutoff))
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "older-than-hours", 0, "inactivity threshold (default maintenance.archiveAfterHours)")
	return cmd
}
