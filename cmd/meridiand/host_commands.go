package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ionforge/meridian/internal/config"
	"github.com/ionforge/meridian/internal/fleet"
	"github.com/ionforge/meridian/internal/models"
	"github.com/ionforge/meridian/internal/sshdriver/knownhosts"
)

var (
	hostHostname    string
	hostPort        int
	hostUser        string
	hostKeyPath     string
	hostPassword    string
	hostAskPassword bool
)

// readPassword is swapped out in tests; defaults to a real terminal read.
var readPassword = func() (string, error) {
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// hostCmd groups one-shot fleet operations a human runs outside the API,
// the same "operators reach for a CLI, not curl, for day-0 setup" shape as
// the teacher's config subcommand group.
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "manage fleet hosts without starting the server",
}

var hostAddCmd = &cobra.Command{
	Use:   "add <host-id>",
	Short: "register a new host in the fleet registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openFleetRegistry()
		if err != nil {
			return err
		}
		if hostAskPassword {
			fmt.Print("SSH password: ")
			pass, err := readPassword()
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			hostPassword = pass
		}
		host := models.Host{
			ID:       args[0],
			Hostname: hostHostname,
			Port:     hostPort,
			User:     hostUser,
			KeyPath:  hostKeyPath,
			Password: hostPassword,
		}
		added, err := reg.Add(context.Background(), host)
		if err != nil {
			return fmt.Errorf("add host: %w", err)
		}
		fmt.Printf("added host %s (%s:%d)\n", added.ID, added.Hostname, added.Port)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "list hosts in the fleet registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openFleetRegistry()
		if err != nil {
			return err
		}
		hosts := reg.List()
		if len(hosts) == 0 {
			fmt.Println("no hosts registered")
			return nil
		}
		for _, h := range hosts {
			fmt.Printf("%s\t%s:%d\tuser=%s\n", h.ID, h.Hostname, h.Port, h.User)
		}
		return nil
	},
}

func init() {
	hostAddCmd.Flags().StringVar(&hostHostname, "hostname", "", "hypervisor host's SSH address")
	hostAddCmd.Flags().IntVar(&hostPort, "port", 22, "SSH port")
	hostAddCmd.Flags().StringVar(&hostUser, "user", "root", "SSH user")
	hostAddCmd.Flags().StringVar(&hostKeyPath, "key-path", "", "path to an SSH private key")
	hostAddCmd.Flags().StringVar(&hostPassword, "password", "", "SSH password (prefer --key-path)")
	hostAddCmd.Flags().BoolVar(&hostAskPassword, "ask-password", false, "prompt for the SSH password interactively instead of passing --password")
	_ = hostAddCmd.MarkFlagRequired("hostname")

	hostCmd.AddCommand(hostAddCmd)
	hostCmd.AddCommand(hostListCmd)
}

// openFleetRegistry builds a standalone fleet.Registry against the
// configured data directory, with no hooks and no running server — the CLI
// equivalent of the registry runServe constructs, for one-shot commands.
func openFleetRegistry() (*fleet.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	knownHosts := knownhosts.NewManager(filepath.Join(cfg.DataDir, "known_hosts"))
	reg, err := fleet.New(cfg.DataDir, knownHosts, fleet.Hooks{})
	if err != nil {
		return nil, fmt.Errorf("init fleet registry: %w", err)
	}
	return reg, nil
}
