package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/handlers"
	"github.com/felo/mailclaim/internal/proof"
	"github.com/spf13/cobra"
)

// SourceCLI marks ledger rows written by the prove command
const SourceCLI = "cli"

func newProveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prove --record <record.json> [--address <0x...>] [--out proof-with-io.json]",
		Short: "Evaluate a record file and write a receipt",
		Long: `prove evaluates a single record file in the same JSON format the batch command
and POST /evaluate accept, writes the receipt to --out and prints the outputs.
The evaluation is recorded in the ledger unless --no-ledger is given.`,
		RunE: runProve,
	}
	cmd.Flags().String("record", "", "Path to a record file (required)")
	cmd.Flags().String("address", "", "Override the ethAddress in the record file")
	cmd.Flags().String("out", handlers.ReceiptFilename, "Where to write the receipt")
	cmd.Flags().Bool("no-ledger", false, "Do not record the evaluation in the ledger")
	cmd.MarkFlagRequired("record")
	return cmd
}

func runProve(cmd *cobra.Command, args []string) error {
	recordPath, _ := cmd.Flags().GetString("record")
	address, _ := cmd.Flags().GetString("address")
	outPath, _ := cmd.Flags().GetString("out")
	noLedger, _ := cmd.Flags().GetBool("no-ledger")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(recordPath)
	if err != nil {
		return fmt.Errorf("failed to open record: %w", err)
	}
	req, err := proof.ReadRequest(f)
	f.Close()
	if err != nil {
		return err
	}
	if address != "" {
		req.EthAddress = address
	}

	verifier, err := dkim.NewVerifier(cfg.Policy.Verifier())
	if err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	receipt, out, err := proof.NewLocalProver(verifier).Prove(cmd.Context(), req.DKIM, req.EthAddress)
	if err != nil {
		var malformed *dkim.MalformedInputError
		if errors.As(err, &malformed) {
			return fmt.Errorf("malformed record: %w", err)
		}
		return err
	}

	if err := writeReceiptFile(outPath, receipt); err != nil {
		return err
	}

	if !noLedger {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()
		source, _ := filepath.Abs(recordPath)
		v := db.NewVerification(receipt.ID, SourceCLI+":"+source, req.DKIM, out, req.EthAddress, receipt.Commitment)
		if err := database.InsertVerification(v); err != nil {
			return err
		}
	}

	return printJSON(cmd.OutOrStdout(), struct {
		ID         string      `json:"id"`
		Receipt    string      `json:"receipt"`
		Commitment string      `json:"commitment"`
		Outputs    dkim.Output `json:"outputs"`
	}{receipt.ID, outPath, receipt.Commitment, out})
}

func writeReceiptFile(path string, receipt *proof.Receipt) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create receipt file: %w", err)
	}
	if err := proof.WriteReceipt(f, receipt); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
