package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/meshroute/meshroute/lib/handshake"
	"github.com/meshroute/meshroute/lib/identity"
	"github.com/meshroute/meshroute/lib/kv"
	"github.com/meshroute/meshroute/lib/node"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var identityOff bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage known peers: petnames, trust, favorites and blocks",
}

// withIdentities opens the configured store for the duration of fn.
func withIdentities(cmd *cobra.Command, fn func(ctx context.Context, store kv.Store, ids *identity.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := kv.Open(ctx, node.StoreOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()
	ids := identity.NewStore(store, identity.Options{SessionTTL: cfg.Identity.SessionTTL})
	defer ids.Close()
	return fn(ctx, store, ids)
}

// resolveFingerprint accepts a full fingerprint or a unique prefix of a
// known one.
func resolveFingerprint(ctx context.Context, ids *identity.Store, arg string) (identity.Fingerprint, error) {
	if fp, err := identity.ParseFingerprint(arg); err == nil {
		return fp, nil
	}
	prefix := strings.ToLower(strings.TrimSpace(arg))
	if prefix == "" {
		return "", fmt.Errorf("empty fingerprint")
	}
	socials, err := ids.Socials(ctx)
	if err != nil {
		return "", err
	}
	var match identity.Fingerprint
	for _, si := range socials {
		if !strings.HasPrefix(si.Fingerprint.String(), prefix) {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("fingerprint prefix %q is ambiguous", arg)
		}
		match = si.Fingerprint
	}
	if match == "" {
		return "", fmt.Errorf("no known peer matches %q", arg)
	}
	return match, nil
}

func label(b bool, name string) string {
	if b {
		return name
	}
	return ""
}

var identitySelfCmd = &cobra.Command{
	Use:   "self",
	Short: "Print this device's fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentities(cmd, func(ctx context.Context, store kv.Store, _ *identity.Store) error {
			keys, err := handshake.LoadOrCreateKeys(ctx, store)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.Fingerprint())
			return nil
		})
	},
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentities(cmd, func(ctx context.Context, _ kv.Store, ids *identity.Store) error {
			socials, err := ids.Socials(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINGERPRINT\tNAME\tTRUST\tFLAGS")
			for _, si := range socials {
				flags := strings.TrimSpace(label(si.IsFavorite, "favorite") + " " + label(si.IsBlocked, "blocked"))
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", si.Fingerprint.Short(), ids.DisplayName(ctx, si.Fingerprint), si.Trust, flags)
			}
			return w.Flush()
		})
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <fingerprint>",
	Short: "Show everything known about a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentities(cmd, func(ctx context.Context, _ kv.Store, ids *identity.Store) error {
			fp, err := resolveFingerprint(ctx, ids, args[0])
			if err != nil {
				return err
			}
			social, err := ids.SocialIdentity(ctx, fp)
			if err != nil {
				return err
			}
			view := struct {
				Social identity.SocialIdentity         `yaml:"social"`
				Crypto *identity.CryptographicIdentity `yaml:"crypto,omitempty"`
			}{Social: social}
			if crypto, err := ids.CryptographicIdentity(ctx, fp); err == nil {
				view.Crypto = &crypto
			}
			out, err := yaml.Marshal(view)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		})
	},
}

// socialSetter builds a command that resolves <fingerprint> and applies set.
func socialSetter(use, short string, args cobra.PositionalArgs, set func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, rest []string) (identity.SocialIdentity, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			return withIdentities(cmd, func(ctx context.Context, _ kv.Store, ids *identity.Store) error {
				fp, err := resolveFingerprint(ctx, ids, argv[0])
				if err != nil {
					return err
				}
				si, err := set(ctx, ids, fp, argv[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", si.Fingerprint.Short(), ids.DisplayName(ctx, si.Fingerprint))
				return nil
			})
		},
	}
}

var identityPetnameCmd = socialSetter("petname <fingerprint> [name]", "Set or clear the local name of a peer", cobra.RangeArgs(1, 2),
	func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, rest []string) (identity.SocialIdentity, error) {
		name := ""
		if len(rest) > 0 {
			name = rest[0]
		}
		return ids.SetPetname(ctx, fp, name)
	})

var identityTrustCmd = socialSetter("trust <fingerprint> <unknown|casual|trusted|verified>", "Set the trust level of a peer", cobra.ExactArgs(2),
	func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, rest []string) (identity.SocialIdentity, error) {
		level, err := identity.ParseTrustLevel(rest[0])
		if err != nil {
			return identity.SocialIdentity{}, err
		}
		return ids.SetTrust(ctx, fp, level)
	})

var identityFavoriteCmd = socialSetter("favorite <fingerprint>", "Mark a peer as favorite (--off to unmark)", cobra.ExactArgs(1),
	func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, _ []string) (identity.SocialIdentity, error) {
		return ids.SetFavorite(ctx, fp, !identityOff)
	})

var identityBlockCmd = socialSetter("block <fingerprint>", "Block a peer (--off to unblock)", cobra.ExactArgs(1),
	func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, _ []string) (identity.SocialIdentity, error) {
		return ids.SetBlocked(ctx, fp, !identityOff)
	})

var identityNotesCmd = socialSetter("notes <fingerprint> [text]", "Set or clear notes about a peer", cobra.RangeArgs(1, 2),
	func(ctx context.Context, ids *identity.Store, fp identity.Fingerprint, rest []string) (identity.SocialIdentity, error) {
		notes := ""
		if len(rest) > 0 {
			notes = rest[0]
		}
		return ids.SetNotes(ctx, fp, notes)
	})

func init() {
	for _, c := range []*cobra.Command{identityFavoriteCmd, identityBlockCmd} {
		c.Flags().BoolVar(&identityOff, "off", false, "clear instead of set")
	}

	identityCmd.AddCommand(identitySelfCmd)
	identityCmd.AddCommand(identityListCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityPetnameCmd)
	identityCmd.AddCommand(identityTrustCmd)
	identityCmd.AddCommand(identityFavoriteCmd)
	identityCmd.AddCommand(identityBlockCmd)
	identityCmd.AddCommand(identityNotesCmd)
	rootCmd.AddCommand(identityCmd)
}
