package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rojolang/voiceturn-sdk-go/internal/devserver"
	"github.com/rojolang/voiceturn-sdk-go/pkg/voiceturn"
)

var (
	verbose    bool
	configPath string
	apiKey     string
	endpoint   string
	transport  string
	agentID    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "voiceturn",
		Short:        "Push-to-talk voice turns against a Conversation Service",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key used to mint bearer tokens")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Service URL (http(s):// or ws(s)://)")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Service binding: http or ws")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "Agent to talk to")

	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(textCmd())
	rootCmd.AddCommand(capabilityCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(devserverCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers defaults, environment, the config file and flags.
func loadConfig() (*voiceturn.Config, error) {
	cfg := voiceturn.NewConfig()
	if configPath != "" {
		if err := cfg.LoadConfigFile(configPath); err != nil {
			return nil, err
		}
	}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if transport != "" {
		cfg.Transport = voiceturn.Transport(strings.ToLower(transport))
	}
	if endpoint != "" {
		if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
			cfg.WsEndpoint = endpoint
			if transport == "" {
				cfg.Transport = voiceturn.TransportWebSocket
			}
		} else {
			cfg.BaseURL = endpoint
		}
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	voiceturn.SetGlobalLogger(voiceturn.NewLogger(cfg.LogConfig()))
	return cfg, nil
}

func newClient() (*voiceturn.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return voiceturn.NewClient(cfg, voiceturn.ClientOptions{Logger: voiceturn.GetGlobalLogger()})
}

func talkCmd() *cobra.Command {
	var autoStop time.Duration
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Interactive push-to-talk session",
		Long: "Press Enter to start recording and Enter again to send the turn.\n" +
			"Type a line of text to send it as a message, or 'q' to quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := newClient()
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Close(closeCtx)
			}()

			coord := client.Coordinator()
			var peak atomic.Uint64
			client.Recorder().OnLevel(func(l voiceturn.Level) {
				peak.Store(math.Float64bits(l.Peak))
			})
			client.Recorder().OnDuration(func(seconds int) {
				level := math.Float64frombits(peak.Load())
				fmt.Printf("\r● recording %ds %-10s", seconds, strings.Repeat("▮", int(level*10)))
			})

			// Silence ends the turn as if Enter was pressed.
			silence := make(chan struct{}, 1)
			var detector *voiceturn.SilenceDetector
			if autoStop > 0 {
				detector = voiceturn.NewSilenceDetector(0.02, autoStop, func() {
					select {
					case silence <- struct{}{}:
					default:
					}
				})
				client.Recorder().OnLevel(detector.Observe)
			}

			session, err := coord.StartSession(ctx, client.Config().AgentID)
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			fmt.Printf("Connected to %s (%s)\n", session.AgentName, session.Model)

			printed := printMessages(coord.Messages(), 0)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for coord.Active() {
				var line string
				select {
				case <-ctx.Done():
					return nil
				case <-silence:
					if coord.State() != voiceturn.StateRecording {
						continue
					}
				case l, ok := <-lines:
					if !ok {
						return nil
					}
					line = strings.TrimSpace(l)
				}

				switch {
				case line == "q" || line == "quit":
					return nil
				case line == "":
					err = coord.Toggle(ctx)
					if coord.State() == voiceturn.StateRecording {
						if detector != nil {
							detector.Reset()
						}
						fmt.Print("\r● recording 0s ")
					} else {
						fmt.Print("\r")
					}
				default:
					_, err = coord.SendText(ctx, line)
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					// Turn failures are already in the transcript.
					if voiceturn.IsErrorCode(err, voiceturn.ErrCodePermissionDenied) ||
						voiceturn.IsErrorCode(err, voiceturn.ErrCodeDeviceNotFound) ||
						voiceturn.IsErrorCode(err, voiceturn.ErrCodeDevice) {
						fmt.Println("!", voiceturn.HumanMessage(err))
					}
				}
				printed = printMessages(coord.Messages(), printed)
				if latency, ok := coord.Latency(); ok && line == "" && err == nil && coord.State() == voiceturn.StateIdle {
					fmt.Printf("  latency: stt %.0fms, llm %.0fms, tts %.0fms, total %.0fms\n",
						latency.STTMs, latency.LLMMs, latency.TTSMs, latency.TotalMs)
				}
			}

			stats := coord.Stats()
			fmt.Printf("Session finished after %d turns, %d tokens\n", stats.Turns, stats.TokensUsed)
			_ = client.Player().Wait(ctx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&autoStop, "auto-stop", 0, "End a recording after this much silence (0 disables)")
	return cmd
}

func printMessages(msgs []voiceturn.Message, from int) int {
	if from > len(msgs) {
		from = 0
	}
	for _, m := range msgs[from:] {
		switch m.Role {
		case voiceturn.RoleUser:
			fmt.Printf("you: %s\n", m.Content)
		case voiceturn.RoleAssistant:
			fmt.Printf("agent: %s\n", m.Content)
			if m.ToolCall != nil {
				fmt.Printf("  tool %s → %s\n", m.ToolCall.Name, m.ToolCall.Result)
			}
		default:
			fmt.Printf("! %s\n", m.Content)
		}
	}
	return len(msgs)
}

func textCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "text [message]",
		Short: "Send one text message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer client.Close(ctx)

			coord := client.Coordinator()
			if _, err := coord.StartSession(ctx, client.Config().AgentID); err != nil {
				return err
			}
			reply, err := coord.SendText(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(reply.Reply)
			if verbose {
				fmt.Printf("tokens: %d, latency: %.0fms\n", reply.TokensUsed, reply.LatencyMs)
			}
			return nil
		},
	}
}

func capabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capability",
		Short: "Show which speech stages the service offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close(cmd.Context())

			capability, err := client.Coordinator().Capability(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("STT: %v (%s)\n", capability.STTAvailable, capability.STTProvider)
			fmt.Printf("TTS: %v (%s)\n", capability.TTSAvailable, capability.TTSProvider)
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesTestCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List audio input and output devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := voiceturn.ListDevices()
			if err != nil {
				return err
			}
			fmt.Println("Input devices:")
			for _, d := range catalog.Inputs() {
				fmt.Println("  " + d.Describe())
			}
			fmt.Println("Output devices:")
			for _, d := range catalog.Outputs() {
				fmt.Println("  " + d.Describe())
			}
			return nil
		},
	}
}

func devicesTestCmd() *cobra.Command {
	var seconds float64
	cmd := &cobra.Command{
		Use:   "test [device-id]",
		Short: "Record from an input device and report what was captured",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := voiceturn.ListDevices()
			if err != nil {
				return err
			}

			recCfg := cfg.RecorderConfig()
			if len(args) > 0 {
				var id int
				if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
					return fmt.Errorf("invalid device id %q", args[0])
				}
				if err := catalog.ValidateInput(id, cfg.Channels); err != nil {
					return err
				}
				recCfg.DeviceID = &id
			} else if d, err := catalog.DefaultInput(); err == nil {
				fmt.Println("Using", d.Describe())
			}

			rec := voiceturn.NewRecorder(voiceturn.PortAudioCapture{}, recCfg, voiceturn.GetGlobalLogger())
			ctx := cmd.Context()
			if err := rec.Start(ctx); err != nil {
				return errors.New(voiceturn.HumanMessage(err))
			}
			fmt.Printf("Recording for %.1fs...\n", seconds)
			time.Sleep(time.Duration(seconds * float64(time.Second)))

			utterance, err := rec.Stop(ctx)
			if err != nil {
				return err
			}
			if utterance.Empty() {
				fmt.Println("No audio captured")
				return nil
			}
			fmt.Printf("Captured %s, %d bytes in %d chunks as %s\n",
				utterance.Duration.Round(time.Millisecond), len(utterance.Data), utterance.Chunks, utterance.MIMEType)
			return nil
		},
	}
	cmd.Flags().Float64VarP(&seconds, "duration", "d", 3, "Recording duration in seconds")
	return cmd
}

func devserverCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local echo Conversation Service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv := devserver.New(devserver.Options{
				APIKey: cfg.APIKey,
				Logger: voiceturn.GetGlobalLogger().Zerolog(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = srv.Shutdown()
			}()
			return srv.Listen(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "Listen address")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.APIKey = maskString(cfg.APIKey)

			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			for _, issue := range cfg.Validate() {
				fmt.Println("! " + issue)
			}
			return nil
		},
	}
}

func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
