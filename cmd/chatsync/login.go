package main

import (
	"context"
	"fmt"
	"time"

	chatsync "github.com/loopmarkt/chatsync-go"
	"github.com/spf13/cobra"
)

var registerDisplayName string

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(refreshCmd)
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name shown to other users")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an existing messaging token in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Register a messaging account and store its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := newClient(cfg, "")
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		td, err := client.Register(ctx, &chatsync.RegisterOptions{
			Username:    args[0],
			DisplayName: registerDisplayName,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		cfg.Auth.Token = td.Token
		cfg.Auth.UserID = td.UserID
		cfg.Auth.Username = td.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Registered as %s (%s)\n", td.Username, td.UserID)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the stored token for a fresh one",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		td, err := client.RefreshToken(ctx)
		if err != nil {
			return fmt.Errorf("token refresh failed: %w", err)
		}

		cfg.Auth.Token = td.Token
		if td.UserID != "" {
			cfg.Auth.UserID = td.UserID
		}
		if td.Username != "" {
			cfg.Auth.Username = td.Username
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if td.ExpiresIn != "" {
			fmt.Printf("Token refreshed (expires in %s)\n", td.ExpiresIn)
		} else {
			fmt.Println("Token refreshed.")
		}
		return nil
	},
}
