package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/felo/mailclaim/internal/proof"
	"github.com/spf13/cobra"
)

// ErrProofInvalid is returned when a receipt checks out but does not prove
// its claim
var ErrProofInvalid = errors.New("proof is not valid")

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify --receipt <proof-with-io.json>",
		Short: "Check a receipt and print the claim it commits to",
		Long: `verify checks a receipt's commitment, decodes its public values and prints the
result. It exits non-zero when the receipt does not prove its claim.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("receipt")

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open receipt: %w", err)
			}
			receipt, err := proof.ReadReceipt(f)
			f.Close()
			if err != nil {
				return err
			}

			result, err := proof.Verify(receipt)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.ProofValid {
				return ErrProofInvalid
			}
			return nil
		},
	}
	cmd.Flags().String("receipt", "", "Path to a receipt file (required)")
	cmd.MarkFlagRequired("receipt")
	return cmd
}
