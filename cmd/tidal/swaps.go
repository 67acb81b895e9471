package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ArkLabsHQ/tidal/internal/config"
	"github.com/ArkLabsHQ/tidal/internal/core/domain"
	"github.com/ArkLabsHQ/tidal/internal/core/ports"
	"github.com/ArkLabsHQ/tidal/internal/infrastructure/evm"
	"github.com/ArkLabsHQ/tidal/utils"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	timeFormat = "2006-01-02 15:04:05"
	qrSize     = 256
)

var (
	swapType    string
	pendingOnly bool
	qrFile      string
)

var swapsCmd = &cobra.Command{
	Use:   "swaps",
	Short: "Inspect the stored swaps",
	Long: `Inspect the swaps stored in the data directory.

The database is opened directly, so these commands cannot run while
"tidal start" holds it.`,
}

var swapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the swaps of the configured chain",
	Long: `List the swaps of the configured chain, newest first.

Examples:
  tidal swaps list
  tidal swaps list --type TO_BTCLN --pending`,
	Args: cobra.NoArgs,
	RunE: runSwapsList,
}

var swapsShowCmd = &cobra.Command{
	Use:   "show <swap-id>",
	Short: "Show the details of a swap",
	Long: `Show the details of a swap. For swaps paid over bitcoin the address or
invoice to pay is printed and can be exported as a QR code.

Examples:
  tidal swaps show <swap-id>
  tidal swaps show <swap-id> --qr pay.png`,
	Args: cobra.ExactArgs(1),
	RunE: runSwapsShow,
}

func init() {
	rootCmd.AddCommand(swapsCmd)
	swapsCmd.AddCommand(swapsListCmd, swapsShowCmd)

	swapsListCmd.Flags().StringVarP(&swapType, "type", "t", "", "Only list swaps of this type (e.g. FROM_BTCLN)")
	swapsListCmd.Flags().BoolVarP(&pendingOnly, "pending", "p", false, "Only list swaps not finished yet")
	swapsShowCmd.Flags().StringVar(&qrFile, "qr", "", "Write a PNG QR code of the payment uri to this file")
}

// swapView is the printable summary of a swap.
type swapView struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"`
	Chain       string        `json:"chain"`
	State       string        `json:"state"`
	Lp          string        `json:"lp"`
	Input       string        `json:"input"`
	Output      string        `json:"output"`
	Fees        []feeView     `json:"fees"`
	CreatedAt   time.Time     `json:"createdAt"`
	QuoteExpiry time.Time     `json:"quoteExpiry"`
	EscrowHash  string        `json:"escrowHash,omitempty"`
	Claimable   bool          `json:"claimable,omitempty"`
	Refundable  bool          `json:"refundable,omitempty"`
	Payment     *paymentView  `json:"payment,omitempty"`
	status      swapOutcome
}

type feeView struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Value  string `json:"value"`
}

type paymentView struct {
	Address string `json:"address"`
	URI     string `json:"uri"`
}

type swapOutcome int

const (
	outcomePending swapOutcome = iota
	outcomeSuccess
	outcomeFailure
	outcomeExpired
)

func toView(s domain.Swap) swapView {
	base := s.Base()
	v := swapView{
		ID:          s.ID(),
		Type:        s.Type().String(),
		Chain:       base.ChainIdentifier,
		State:       s.StateName(),
		Lp:          base.Url,
		Input:       s.InputAmount().String(),
		Output:      s.OutputAmount().String(),
		CreatedAt:   time.UnixMilli(base.CreatedAt),
		QuoteExpiry: base.QuoteExpiry(),
		EscrowHash:  s.EscrowHash(),
	}
	for _, f := range s.FeeBreakdown() {
		v.Fees = append(v.Fees, feeView{
			Type:   f.Type.String(),
			Amount: f.Fee.AmountInSrcToken.String(),
			Value:  f.Fee.AmountInDstToken.String(),
		})
	}
	if c, ok := s.(domain.Claimable); ok {
		v.Claimable = c.IsClaimable()
	}
	if r, ok := s.(domain.Refundable); ok {
		v.Refundable = r.IsRefundable()
	}
	if d, ok := s.(domain.AddressDisplayable); ok && !s.IsFinished() {
		if addr := d.Address(); addr != "" {
			v.Payment = &paymentView{Address: addr, URI: d.HyperlinkURI()}
		}
	}

	switch {
	case s.IsSuccessful():
		v.status = outcomeSuccess
	case s.IsFailed():
		v.status = outcomeFailure
	case s.IsFinished() || s.IsQuoteExpired():
		v.status = outcomeExpired
	}
	return v
}

func runSwapsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var filterType *domain.SwapType
	if swapType != "" {
		t, err := domain.ParseSwapType(strings.ToUpper(swapType))
		if err != nil {
			return err
		}
		filterType = &t
	}

	cfg, repo, err := loadRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	conditions := []domain.QueryCondition{domain.Where(domain.IndexChain, cfg.ChainIdentifier())}
	if filterType != nil {
		conditions = append(conditions, domain.Where(domain.IndexType, int(*filterType)))
	}
	swaps, err := repo.Swaps().Query(context.Background(), conditions)
	if err != nil {
		return err
	}

	views := make([]swapView, 0, len(swaps))
	for _, s := range swaps {
		if pendingOnly && s.IsFinished() {
			continue
		}
		views = append(views, toView(s))
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})

	if jsonOutput {
		return printJSON(views)
	}
	displaySwapList(views)
	return nil
}

func runSwapsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	_, repo, err := loadRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	swap, err := repo.Swaps().Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	view := toView(swap)

	if qrFile != "" {
		if view.Payment == nil {
			return fmt.Errorf("swap %s has nothing to pay over bitcoin", view.ID)
		}
		png, err := utils.QRCode(view.Payment.URI, qrSize)
		if err != nil {
			return fmt.Errorf("failed to render qr code: %s", err)
		}
		if err := os.WriteFile(qrFile, png, 0o644); err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(view)
	}
	displaySwap(view)
	if qrFile != "" {
		fmt.Printf("  QR code written to %s\n\n", color.CyanString(qrFile))
	}
	return nil
}

// loadRepo opens the swap store with the escrow codec of the configured chain.
func loadRepo() (*config.Config, ports.RepoManager, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	repo, err := openRepo(cfg, map[string]domain.EscrowDecoder{
		cfg.ChainIdentifier(): decodeEvmEscrow,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, repo, nil
}

func decodeEvmEscrow(raw []byte) (domain.EscrowData, error) {
	data, err := evm.DecodeSwapData(raw)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(buf))
	return nil
}

func displaySwapList(views []swapView) {
	if len(views) == 0 {
		fmt.Println("\nNo swaps found.")
		return
	}
	fmt.Println()
	for _, v := range views {
		fmt.Printf(
			"  %s  %-18s %-22s %s -> %s\n",
			color.HiBlackString(v.CreatedAt.Format(timeFormat)), v.Type,
			coloredState(v), v.Input, v.Output,
		)
		fmt.Printf("  %s\n", color.CyanString(v.ID))
	}
	fmt.Printf("\n%d swap(s)\n\n", len(views))
}

func displaySwap(v swapView) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                           SWAP")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  ID:           %s\n", color.CyanString(v.ID))
	fmt.Printf("  Type:         %s\n", v.Type)
	fmt.Printf("  Chain:        %s\n", v.Chain)
	fmt.Printf("  State:        %s\n", coloredState(v))
	fmt.Printf("  LP:           %s\n", v.Lp)
	fmt.Printf("  Created:      %s\n", v.CreatedAt.Format(timeFormat))
	fmt.Printf("  Quote expiry: %s\n", v.QuoteExpiry.Format(timeFormat))
	fmt.Printf("  Input:        %s\n", v.Input)
	fmt.Printf("  Output:       %s\n", v.Output)
	for _, f := range v.Fees {
		fmt.Printf("  Fee %-9s %s (%s)\n", strings.ToLower(f.Type)+":", f.Amount, f.Value)
	}
	if v.EscrowHash != "" {
		fmt.Printf("  Escrow:       %s\n", color.HiBlackString(v.EscrowHash))
	}
	if v.Claimable {
		fmt.Printf("  %s\n", color.GreenString("Ready to be claimed"))
	}
	if v.Refundable {
		fmt.Printf("  %s\n", color.YellowString("Can be refunded"))
	}
	if v.Payment != nil {
		fmt.Printf("\n  Pay to:       %s\n", color.CyanString(v.Payment.Address))
		fmt.Printf("  URI:          %s\n", v.Payment.URI)
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func coloredState(v swapView) string {
	switch v.status {
	case outcomeSuccess:
		return color.GreenString(v.State)
	case outcomeFailure:
		return color.RedString(v.State)
	case outcomeExpired:
		return color.MagentaString(v.State)
	default:
		return color.YellowString(v.State)
	}
}
