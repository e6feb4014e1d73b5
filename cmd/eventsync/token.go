package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/eventsync/internal/auth"
	"github.com/MarcoPoloResearchLab/eventsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for a producer or operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig.Auth)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueServiceToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Client name carried in the token subject")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTokenIssuer(cfg config.AuthConfig) (*auth.TokenIssuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		TokenTTL:      cfg.TokenTTL,
	})
}
