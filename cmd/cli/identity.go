package cli

// Identity CLI — key derivation, device management, and guardian recovery
// (§4.2). The identity is held in process memory only; it is not written to
// or loaded from any file.

import (
	"crypto/rand"
	"encoding/hex"
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
	identityMu     sync.RWMutex
	identity       *core.Identity
	identityLogger = logrus.StandardLogger()
)

func initIdentityMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	lvlStr := os.Getenv("LOG_LEVEL")
	if lvlStr == "" {
		lvlStr = "info"
	}
	lvl, err := logrus.ParseLevel(lvlStr)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %s: %w", lvlStr, err)
	}
	identityLogger.SetLevel(lvl)
	return nil
}

var identityCmd = &cobra.Command{
	Use:               "identity",
	Short:             "Derive and manage an identity's device set",
	PersistentPreRunE: initIdentityMiddleware,
}

var identityNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Derive a fresh identity from a random root seed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return fmt.Errorf("generate seed: %w", err)
		}
		id, dev, _, err := core.NewIdentity(seed)
		if err != nil {
			return fmt.Errorf("derive identity: %w", err)
		}
		identityMu.Lock()
		identity = id
		identityMu.Unlock()
		fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\nmaster device: %s\nroot seed: %s (store this offline)\n",
			id.ID, dev.ID, hex.EncodeToString(seed[:]))
		return nil
	},
}

var identityDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the current identity's registered devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		identityMu.RLock()
		id := identity
		identityMu.RUnlock()
		if id == nil {
			return fmt.Errorf("no identity loaded, run 'identity new' first")
		}
		for _, d := range id.Devices() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s revoked=%v burner_until=%d\n", d.ID, d.Revoked, d.BurnerUntil)
		}
		return nil
	},
}

var identityRevokeCmd = &cobra.Command{
	Use:   "revoke [device-hex] [height]",
	Short: "Revoke a device at a given anchor height",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		identityMu.RLock()
		id := identity
		identityMu.RUnlock()
		if id == nil {
			return fmt.Errorf("no identity loaded, run 'identity new' first")
		}
		raw, err := hex.DecodeString(args[0])
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("device id must be 32 bytes hex")
		}
		var target core.DeviceID
		copy(target[:], raw)
		var height uint64
		if _, err := fmt.Sscanf(args[1], "%d", &height); err != nil {
			return fmt.Errorf("invalid height: %w", err)
		}
		if err := id.RevokeDevice(target, height); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "device revoked")
		return nil
	},
}

var identityRecoverCmd = &cobra.Command{
	Use:   "recover-begin",
	Short: "Begin guardian-assisted recovery for a lost device set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		identityMu.RLock()
		id := identity
		identityMu.RUnlock()
		if id == nil {
			return fmt.Errorf("no identity loaded, run 'identity new' first")
		}
		var seed [32]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return err
		}
		_, newDev, _, err := core.NewIdentity(seed)
		if err != nil {
			return err
		}
		rs := id.BeginRecovery(newDev.SigningPub, time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "recovery started at %s, awaiting guardian approvals\n", rs.ClaimAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	identityCmd.AddCommand(identityNewCmd)
	identityCmd.AddCommand(identityDevicesCmd)
	identityCmd.AddCommand(identityRevokeCmd)
	identityCmd.AddCommand(identityRecoverCmd)
}

var IdentityCmd = identityCmd

func RegisterIdentity(root *cobra.Command) { root.AddCommand(IdentityCmd) }
