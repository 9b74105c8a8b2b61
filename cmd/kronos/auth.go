package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kronos/internal/user"
	"kronos/internal/wire"
)

const requestTimeout = 15 * time.Second

var (
	flagPassword    string
	flagDisplayName string
)

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and remember the access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		res, err := newAPI().Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := saveToken(res.AccessToken); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", res.Username)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account and log in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		res, err := newAPI().Register(ctx, user.RegisterRequest{
			Username:    args[0],
			DisplayName: flagDisplayName,
			Password:    password,
		})
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if err := saveToken(res.AccessToken); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", res.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels and direct conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPI()
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		channels, err := client.Channels(ctx)
		if err != nil {
			return err
		}
		convs, err := client.Conversations(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range channels {
			if c.Type == wire.ChannelDM {
				continue
			}
			fmt.Fprintf(out, "#%-20s %s\n", c.Name, c.Description)
		}
		for _, c := range convs {
			preview := ""
			if c.LastMessage != nil {
				preview = truncate(c.LastMessage.Content, 40)
			}
			fmt.Fprintf(out, "@%-20s %s\n", c.OtherUser.Username, preview)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVarP(&flagPassword, "password", "p", "", "password (read from stdin when empty)")
	}
	registerCmd.Flags().StringVar(&flagDisplayName, "display-name", "", "display name")
}

func readPassword(cmd *cobra.Command) (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
