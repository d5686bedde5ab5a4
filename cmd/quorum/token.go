package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/quorum-ai/quorum/config"
	"github.com/quorum-ai/quorum/internal/server"
)

func tokenCMD() *cobra.Command {
	var cfgPath string
	var subject string
	var ttl time.Duration
	var token = &cobra.Command{
		Use:   "token",
		Short: "Issue a service token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret not configured")
			}
			signed, err := server.SignToken(subject, []byte(cfg.Server.JWTSecret), ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	token.Flags().StringVar(&subject, "subject", "ops", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return token
}
