package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/badger/internal/auth"
	"github.com/MarcoPoloResearchLab/badger/internal/badges"
	"github.com/spf13/cobra"
)

const defaultIssuerTokenTTL = 24 * time.Hour

var errBadgeRequired = errors.New("--badge is required")

func newCodesCommand() *cobra.Command {
	codesCmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage badge claim codes",
	}

	var generateBadge string
	var generateCount int
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate fresh claim codes for a badge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(generateBadge) == "" {
				return errBadgeRequired
			}
			if generateCount <= 0 || generateCount > badges.MaxGenerateCount {
				return fmt.Errorf("--count must be between 1 and %d", badges.MaxGenerateCount)
			}
			env, err := newEnvironment(nil)
			if err != nil {
				return err
			}
			defer env.close()

			badge, err := env.service.FindBadgeByShortname(cmd.Context(), generateBadge)
			if err != nil {
				return err
			}
			codes, err := env.service.GenerateClaimCodes(cmd.Context(), badge.ID, generateCount)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"badge": badge.Shortname, "codes": codes})
		},
	}
	generateCmd.Flags().StringVar(&generateBadge, "badge", "", "Badge shortname")
	generateCmd.Flags().IntVar(&generateCount, "count", 1, fmt.Sprintf("Number of codes to generate (at most %d)", badges.MaxGenerateCount))

	var addBadge string
	var addLimit int
	addCmd := &cobra.Command{
		Use:   "add [codes...]",
		Short: "Add explicit claim codes to a badge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(addBadge) == "" {
				return errBadgeRequired
			}
			env, err := newEnvironment(nil)
			if err != nil {
				return err
			}
			defer env.close()

			badge, err := env.service.FindBadgeByShortname(cmd.Context(), addBadge)
			if err != nil {
				return err
			}
			accepted, rejected, err := env.service.AddClaimCodes(cmd.Context(), badge.ID, badges.ClaimCodeBatch{
				Codes: args,
				Limit: addLimit,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"accepted": accepted, "rejected": rejected})
		},
	}
	addCmd.Flags().StringVar(&addBadge, "badge", "", "Badge shortname")
	addCmd.Flags().IntVar(&addLimit, "limit", 0, "Maximum number of codes to accept (0 for no limit)")

	codesCmd.AddCommand(generateCmd, addCmd)
	return codesCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint API tokens",
	}

	var subject string
	var issuerID string
	var ttl time.Duration
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an operator token, or an issuer token with --issuer",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(nil)
			if err != nil {
				return err
			}
			defer env.close()

			if strings.TrimSpace(issuerID) != "" {
				issuer, err := env.service.FindIssuer(cmd.Context(), issuerID)
				if err != nil {
					return err
				}
				token, err := auth.SignIssuerToken(issuer.ID, []byte(issuer.JWTSecret), env.config.TokenAudience, ttl, time.Now())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"token":      token,
					"issuer_id":  issuer.ID,
					"expires_in": int64(ttl.Seconds()),
				})
			}

			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject or --issuer is required")
			}
			tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(env.config.SigningSecret),
				Issuer:        env.config.TokenIssuer,
				Audience:      env.config.TokenAudience,
				TokenTTL:      env.config.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := tokenManager.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"token": token, "expires_in": expiresIn})
		},
	}
	issueCmd.Flags().StringVar(&subject, "subject", "", "Operator subject")
	issueCmd.Flags().StringVar(&issuerID, "issuer", "", "Issuer id to mint an issuer-scoped token for")
	issueCmd.Flags().DurationVar(&ttl, "ttl", defaultIssuerTokenTTL, "Issuer token lifetime")

	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newIssuerCommand() *cobra.Command {
	issuerCmd := &cobra.Command{
		Use:   "issuer",
		Short: "Manage badge issuers",
	}

	var name, org, contact string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register an issuer and print its API secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnvironment(nil)
			if err != nil {
				return err
			}
			defer env.close()

			issuer, err := env.service.SaveIssuer(cmd.Context(), badges.Issuer{Name: name, Org: org, Contact: contact})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"id":      issuer.ID,
				"name":    issuer.Name,
				"org":     issuer.Org,
				"contact": issuer.Contact,
				"secret":  issuer.JWTSecret,
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "Issuer name")
	createCmd.Flags().StringVar(&org, "org", "", "Issuer organisation")
	createCmd.Flags().StringVar(&contact, "contact", "", "Issuer contact email")

	issuerCmd.AddCommand(createCmd)
	return issuerCmd
}

func writeJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
