package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voting-client/api"
	"voting-client/blockchain/pda"
	"voting-client/models"
	"voting-client/service"
)

// run opens a client for the duration of fn.
func run(cmd *cobra.Command, requireWallet, subscribe bool, fn func(c *client) error) error {
	cfg, err := configFrom(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd.Context(), cfg, requireWallet, subscribe)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseProposalID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid proposal id %q", arg)
	}
	return id, nil
}

func describe(p *models.Proposal) api.ProposalView {
	return api.NewProposalView(p, time.Now())
}

func initPlatformCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-platform",
		Short: "Initialize the platform account with the configured wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, true, false, func(c *client) error {
				sig, err := c.voting.InitializePlatform(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"signature": sig})
			})
		},
	}
}

func createProposalCommand() *cobra.Command {
	var (
		description string
		options     []string
		duration    time.Duration
		autoInit    bool
	)
	cmd := &cobra.Command{
		Use:   "create-proposal TITLE",
		Short: "Create a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := service.CreateProposalInput{
				Title:        args[0],
				Description:  description,
				Options:      options,
				VotingPeriod: duration,
			}
			return run(cmd, true, false, func(c *client) error {
				res, err := c.voting.CreateProposal(cmd.Context(), in)
				if autoInit && errors.Is(err, service.ErrPlatformNotInitialized) {
					c.logger.Info("platform missing, initializing before retry")
					if _, err = c.voting.InitializePlatform(cmd.Context()); err == nil {
						res, err = c.voting.CreateProposal(cmd.Context(), in)
					}
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "proposal description")
	cmd.Flags().StringSliceVar(&options, "option", nil, "voting option, repeat for each option")
	cmd.Flags().DurationVar(&duration, "duration", 24*time.Hour, "voting period")
	cmd.Flags().BoolVar(&autoInit, "init-platform", false, "initialize the platform first if it is missing")
	return cmd
}

func voteCommand() *cobra.Command {
	var offset uint64
	cmd := &cobra.Command{
		Use:   "vote PROPOSAL_ID OPTION_INDEX",
		Short: "Cast an encrypted vote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			option, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid option index %q", args[1])
			}
			in := service.CastVoteInput{ProposalID: id, OptionIndex: option}
			if cmd.Flags().Changed("computation-offset") {
				in.ComputationOffset = &offset
			}
			return run(cmd, true, false, func(c *client) error {
				sig, err := c.voting.CastVote(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"signature": sig})
			})
		},
	}
	cmd.Flags().Uint64Var(&offset, "computation-offset", 0, "computation offset, generated when unset")
	return cmd
}

func closeProposalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close-proposal PROPOSAL_ID",
		Short: "Close a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, true, false, func(c *client) error {
				sig, err := c.voting.CloseProposal(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"signature": sig})
			})
		},
	}
}

func proposalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "Read proposals",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all proposals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, false, false, func(c *client) error {
				proposals, err := c.voting.GetAllProposals(cmd.Context())
				if err != nil {
					return err
				}
				out := make([]api.ProposalView, 0, len(proposals))
				for _, p := range proposals {
					out = append(out, describe(p))
				}
				return printJSON(cmd, out)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get PROPOSAL_ID",
		Short: "Show one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, false, false, func(c *client) error {
				p, err := c.voting.GetProposal(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd, describe(p))
			})
		},
	})
	return cmd
}

func hasVotedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "has-voted PROPOSAL_ID [VOTER]",
		Short: "Check whether a voter (default: the wallet) has voted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			return run(cmd, len(args) == 1, false, func(c *client) error {
				var voter pda.PublicKey
				if len(args) == 2 {
					if voter, err = pda.ParsePublicKey(args[1]); err != nil {
						return fmt.Errorf("invalid voter: %w", err)
					}
				} else if voter, err = c.voting.Wallet(); err != nil {
					return err
				}
				voted, err := c.voting.HasVoted(cmd.Context(), id, voter)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"voter": voter, "has_voted": voted})
			})
		},
	}
}

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch PROPOSAL_ID",
		Short: "Print proposal updates until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return run(cmd, false, true, func(c *client) error {
				sub, err := c.voting.SubscribeToProposal(ctx, id, func(p *models.Proposal) {
					if err := printJSON(cmd, describe(p)); err != nil {
						c.logger.Warn("failed to print update", zap.Error(err))
					}
				})
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()

				select {
				case <-ctx.Done():
					return nil
				case <-sub.Done():
					return fmt.Errorf("subscription to proposal %d ended", id)
				}
			})
		},
	}
}
