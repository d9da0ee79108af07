package cli

// Relay queue CLI — stands up an in-memory store-and-forward queue (§4.4)
// so an operator can push synthetic envelopes through it and watch the
// weighted-fair dequeue behave without a live overlay. No command runs the
// TTL sweep.

import (
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshcore/core"
)

var (
	relayMu     sync.Mutex
	relayQueue  *core.RelayQueue
	relayLogger = logrus.StandardLogger()
)

func initRelayMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	lvlStr := os.Getenv("LOG_LEVEL")
	if lvlStr == "" {
		lvlStr = "info"
	}
	lvl, err := logrus.ParseLevel(lvlStr)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %s: %w", lvlStr, err)
	}
	relayLogger.SetLevel(lvl)

	relayMu.Lock()
	defer relayMu.Unlock()
	if relayQueue != nil {
		return nil
	}
	relayQueue = core.NewRelayQueue(core.DefaultRelayCapacity, core.DefaultMaxRetention, 1, nil, 0)
	return nil
}

var relayCmd = &cobra.Command{
	Use:               "relay",
	Short:             "Drive the store-and-forward relay queue",
	PersistentPreRunE: initRelayMiddleware,
}

var relayPushCmd = &cobra.Command{
	Use:   "push [priority] [ttl-seconds]",
	Short: "Accept a synthetic envelope into the queue at a given priority",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var priority core.Priority
		switch args[0] {
		case "system":
			priority = core.PrioritySystem
		case "direct":
			priority = core.PriorityDirect
		case "channel":
			priority = core.PriorityChannel
		case "bulk":
			priority = core.PriorityBulk
		default:
			return fmt.Errorf("priority must be system|direct|channel|bulk")
		}
		var ttlSecs int
		if _, err := fmt.Sscanf(args[1], "%d", &ttlSecs); err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
		var id core.EnvelopeID
		if _, err := rand.Read(id[:]); err != nil {
			return err
		}
		env := &core.Envelope{ID: id, Priority: priority, SizeClass: core.SizeClass1KiB}
		var hint [32]byte
		if _, err := rand.Read(hint[:]); err != nil {
			return err
		}
		var sender core.IdentityID
		if _, err := rand.Read(sender[:]); err != nil {
			return err
		}
		relayMu.Lock()
		q := relayQueue
		relayMu.Unlock()
		receipt, err := q.Accept(env, hint, sender, core.DeviceID{}, time.Duration(ttlSecs)*time.Second)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "accepted envelope=%s price_commitment=%d\n", receipt.EnvelopeID, receipt.PriceCommitment)
		return nil
	},
}

var relayDequeueCmd = &cobra.Command{
	Use:   "dequeue",
	Short: "Pop the next envelope per the weighted-fair deficit-round-robin order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relayMu.Lock()
		q := relayQueue
		relayMu.Unlock()
		env := q.Dequeue()
		if env == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "queue empty")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dequeued envelope=%s priority=%d\n", env.ID, env.Priority)
		return nil
	},
}

var relayLenCmd = &cobra.Command{
	Use:   "len",
	Short: "Print the queue's current occupancy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relayMu.Lock()
		q := relayQueue
		relayMu.Unlock()
		fmt.Fprintln(cmd.OutOrStdout(), q.Len())
		return nil
	},
}

func init() {
	relayCmd.AddCommand(relayPushCmd)
	relayCmd.AddCommand(relayDequeueCmd)
	relayCmd.AddCommand(relayLenCmd)
}

var RelayCmd = relayCmd

func RegisterRelay(root *cobra.Command) { root.AddCommand(RelayCmd) }
