// Command mcphost is a small operator surface over a set of MCP servers
// described by a YAML config file: it connects to every configured server
// and lists or exercises their tools, resources, and prompts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	mcp "github.com/MegaGrindStone/go-mcp-host"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:           "mcphost",
		Short:         "Connect to MCP servers and exercise their capabilities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mcphost.yaml", "path to the host config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		toolsCmd(&configPath),
		resourcesCmd(&configPath),
		promptsCmd(&configPath),
		callCmd(&configPath),
		readCmd(&configPath),
		serversCmd(&configPath),
	)

	return cmd
}

// connectAll builds a host from the config file and connects every server.
// Connection failures are reported but do not abort the remaining servers.
func connectAll(ctx context.Context, configPath string) (*mcp.Host, error) {
	cfg, err := mcp.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no servers configured in %s", configPath)
	}

	host := mcp.NewHost(mcp.Info{Name: "mcphost", Version: version})

	connected := 0
	for name, srv := range cfg.Servers {
		transport, err := srv.Transport()
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", name, err)
			continue
		}
		if _, err := host.Connect(ctx, name, transport, srv.ConnectionOptions()...); err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect %s: %v\n", name, err)
			continue
		}
		connected++
	}

	if connected == 0 {
		host.Close()
		return nil, fmt.Errorf("no servers reachable")
	}

	return host, nil
}

func toolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools aggregated across all configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
			for _, t := range host.AvailableTools() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.ConnectionID, t.Tool.Name, t.Tool.Description)
			}
			return w.Flush()
		},
	}
}

func resourcesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resources aggregated across all configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tURI\tNAME\tMIME")
			for _, r := range host.AvailableResources() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ConnectionID, r.Resource.URI, r.Resource.Name, r.Resource.MimeType)
			}
			return w.Flush()
		},
	}
}

func promptsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List prompts aggregated across all configured servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tPROMPT\tDESCRIPTION")
			for _, p := range host.AvailablePrompts() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ConnectionID, p.Prompt.Name, p.Prompt.Description)
			}
			return w.Flush()
		},
	}
}

func callCmd(configPath *string) *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Invoke a tool on a specific server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			var toolArgs json.RawMessage
			if argsJSON != "" {
				if !json.Valid([]byte(argsJSON)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				toolArgs = json.RawMessage(argsJSON)
			}

			result, err := host.CallTool(cmd.Context(), args[0], mcp.CallToolParams{
				Name:      args[1],
				Arguments: toolArgs,
			})
			if err != nil {
				return err
			}

			for _, content := range result.Content {
				switch content.Type {
				case mcp.ContentTypeText:
					fmt.Println(content.Text)
				default:
					fmt.Printf("[%s content, mime %s]\n", content.Type, content.MimeType)
				}
			}
			if result.IsError {
				return fmt.Errorf("tool reported an error")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

func readCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "read <server> <uri>",
		Short: "Read a resource from a specific server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			result, err := host.ReadResource(cmd.Context(), args[0], mcp.ReadResourceParams{URI: args[1]})
			if err != nil {
				return err
			}

			for _, content := range result.Contents {
				if content.Text != "" {
					fmt.Println(content.Text)
					continue
				}
				fmt.Printf("[blob %s, mime %s, %d bytes base64]\n", content.URI, content.MimeType, len(content.Blob))
			}
			return nil
		},
	}
}

func serversCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "Show connection status and server info for every configured server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, err := connectAll(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer host.Close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATUS\tNAME\tVERSION\tTOOLS\tRESOURCES\tPROMPTS")
			for _, conn := range host.Connections() {
				info := conn.ServerInfo()
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					conn.ID(), conn.Status(), info.Name, info.Version,
					len(conn.Tools()), len(conn.Resources()), len(conn.Prompts()))
			}
			return w.Flush()
		},
	}
}
