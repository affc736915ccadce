// chatctl is a command line client for a running formchat server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCookieFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "formchat", "cookie")
}

func newRootCommand() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 10 * time.Minute}}

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Fill in a project brief and chat about it with a formchat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", getEnv("FORMCHAT_URL", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&c.sessionID, "session", getEnv("FORMCHAT_SESSION", "cli"), "session ID")
	root.PersistentFlags().StringVar(&c.cookieFile, "cookie-file", defaultCookieFile(), "file that stores the identity cookie")

	root.AddCommand(newFormCommand(c), newUploadCommand(c), newChatCommand(c), newExportCommand(c), newAgentCommand(c))
	return root
}

func newFormCommand(c *client) *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "form [field=value...]",
		Short: "Show or edit the project brief",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected field=value, got %q", arg)
				}
				fields[k] = v
			}

			var state map[string]any
			if len(fields) > 0 {
				if err := c.json(http.MethodPut, "/api/form", fields, &state); err != nil {
					return err
				}
			} else if err := c.json(http.MethodGet, "/api/form", nil, &state); err != nil {
				return err
			}
			if complete {
				if err := c.json(http.MethodPost, "/api/form/complete", nil, &state); err != nil {
					return err
				}
			}
			printForm(cmd, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "submit the brief and unlock the chat")
	return cmd
}

func newUploadCommand(c *client) *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "upload FILE.txt",
		Short: "Extract the project brief from a text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := c.upload(args[0])
			if err != nil {
				return err
			}
			if complete {
				if err := c.json(http.MethodPost, "/api/form/complete", nil, &state); err != nil {
					return err
				}
			}
			printForm(cmd, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "submit the extracted brief")
	return cmd
}

func newChatCommand(c *client) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "chat PROMPT",
		Short: "Send a prompt and render the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			shown := 0
			reply, err := c.chat(strings.Join(args, " "),
				func(text string) {
					if len(text) >= shown {
						fmt.Fprint(out, text[shown:])
					}
					shown = len(text)
				},
				func(tool string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\n[Werkzeug] %s\n", tool)
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if raw {
				return nil
			}
			rendered, err := renderMarkdown(reply)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, strings.Repeat("─", 40))
			fmt.Fprint(out, rendered)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "skip markdown rendering of the final answer")
	return cmd
}

func newExportCommand(c *client) *cobra.Command {
	var format string
	var render bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := c.export(format)
			if err != nil {
				return err
			}
			if render && format == "markdown" {
				if doc, err = renderMarkdown(doc); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), doc)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "markdown or html")
	cmd.Flags().BoolVar(&render, "render", false, "render markdown for the terminal")
	return cmd
}

type agentConfig struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	Format       string   `json:"format,omitempty"`
	Tools        []string `json:"tools"`
}

func newAgentCommand(c *client) *cobra.Command {
	var update agentConfig
	var reset bool
	cmd := &cobra.Command{
		Use:   "agent form|chat",
		Short: "Show or change the model, prompt and tools of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/agent/" + args[0]
			var cfg agentConfig
			if err := c.json(http.MethodGet, path, nil, &cfg); err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("model") || flags.Changed("prompt") || flags.Changed("tools") {
				if flags.Changed("model") {
					cfg.Model = update.Model
				}
				if flags.Changed("prompt") {
					cfg.SystemPrompt = update.SystemPrompt
				}
				if flags.Changed("tools") {
					cfg.Tools = update.Tools
				}
				if err := c.json(http.MethodPut, path, cfg, &cfg); err != nil {
					return err
				}
			}
			if reset {
				if err := c.json(http.MethodPost, path+"/reset", nil, nil); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\nModell:   %s\nWerkzeuge: %s\n\n%s\n",
				cfg.Name, cfg.Model, strings.Join(cfg.Tools, ", "), cfg.SystemPrompt)
			return nil
		},
	}
	cmd.Flags().StringVar(&update.Model, "model", "", "model name")
	cmd.Flags().StringVar(&update.SystemPrompt, "prompt", "", "system prompt")
	cmd.Flags().StringSliceVar(&update.Tools, "tools", nil, "tool ids: web_search, jira_search, jira_create_issue")
	cmd.Flags().BoolVar(&reset, "reset", false, "give the agent a fresh memory")
	return cmd
}

func renderMarkdown(md string) (string, error) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return renderer.Render(md)
}

func printForm(cmd *cobra.Command, state map[string]any) {
	out := cmd.OutOrStdout()
	form, _ := state["form"].(map[string]any)
	fields, _ := state["fields"].([]any)
	for _, f := range fields {
		field, _ := f.(map[string]any)
		key, _ := field["key"].(string)
		label, _ := field["label"].(string)
		fmt.Fprintf(out, "%-24s %v\n", label+":", form[key])
	}
	if completed, _ := state["completed"].(bool); completed {
		fmt.Fprintln(out, "\nStatus: abgeschlossen")
	} else if missing, _ := state["missing"].([]any); len(missing) > 0 {
		fmt.Fprintf(out, "\nFehlt: %v\n", missing)
	}
}
