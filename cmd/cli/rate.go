package cli

// Rate/reputation CLI — inspects and drives the per-peer token-bucket
// governor (§4.8) outside of a live node, useful for operators tuning
// bucket_capacity_base/refill_base_rps before a config rollout.

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshcore/core"
)

var (
	rateMu     sync.Mutex
	governor   *core.Governor
	rateLogger = logrus.StandardLogger()
)

func initRateMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	lvlStr := os.Getenv("LOG_LEVEL")
	if lvlStr == "" {
		lvlStr = "info"
	}
	lvl, err := logrus.ParseLevel(lvlStr)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %s: %w", lvlStr, err)
	}
	rateLogger.SetLevel(lvl)

	rateMu.Lock()
	defer rateMu.Unlock()
	if governor != nil {
		return nil
	}
	governor = core.NewGovernor(core.DefaultBucketCapacityBase, core.DefaultRefillBaseRPS)
	return nil
}

var rateCmd = &cobra.Command{
	Use:               "rate",
	Short:             "Inspect and drive the per-peer rate/reputation governor",
	PersistentPreRunE: initRateMiddleware,
}

func parsePeerArg(arg string) (core.IdentityID, error) {
	var id core.IdentityID
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("peer id must be 32 bytes hex")
	}
	copy(id[:], raw)
	return id, nil
}

var rateAllowCmd = &cobra.Command{
	Use:   "allow [peer-hex] [direction] [n]",
	Short: "Check whether n messages are allowed for a peer right now",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeerArg(args[0])
		if err != nil {
			return err
		}
		var dir core.RateDirection
		switch args[1] {
		case "outbound":
			dir = core.DirectionOutbound
		case "inbound":
			dir = core.DirectionInbound
		default:
			return fmt.Errorf("direction must be outbound|inbound")
		}
		var n int
		if _, err := fmt.Sscanf(args[2], "%d", &n); err != nil {
			return fmt.Errorf("invalid n: %w", err)
		}
		rateMu.Lock()
		g := governor
		rateMu.Unlock()
		fmt.Fprintf(cmd.OutOrStdout(), "allowed=%v score=%.1f\n", g.Allow(peer, dir, n), g.Score(peer))
		return nil
	},
}

var rateScoreCmd = &cobra.Command{
	Use:   "score [peer-hex]",
	Short: "Print a peer's current reputation score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parsePeerArg(args[0])
		if err != nil {
			return err
		}
		rateMu.Lock()
		g := governor
		rateMu.Unlock()
		fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", g.Score(peer))
		return nil
	},
}

func init() {
	rateCmd.AddCommand(rateAllowCmd)
	rateCmd.AddCommand(rateScoreCmd)
}

var RateCmd = rateCmd

func RegisterRate(root *cobra.Command) { root.AddCommand(RateCmd) }
