package main

import (
	"github.com/spf13/cobra"

	fsmcp "github.com/hyperengineering/fieldscript/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over stdio",
	Long: `Start a Model Context Protocol (MCP) server over stdio so an assistant can
list, read, create and synchronize the technician's scripts.

Example client configuration:

  {
    "mcpServers": {
      "fieldscript": {
        "command": "fieldscript",
        "args": ["mcp"],
        "env": {
          "FIELDSCRIPT_PROFILE": "default",
          "FIELDSCRIPT_REMOTE_URL": "https://docs.example.net"
        }
      }
    }
  }

Stdout carries the protocol; logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The client lives for the whole session, so let it sync on its own.
	cfg.AutoSync = !cfg.IsOffline()

	client, closeFn, err := openClientWith(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	return fsmcp.NewServer(client).Run()
}
